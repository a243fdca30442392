package repository

import (
	"net/http"

	"github.com/etive/proximity/internal/dispatch"
	"github.com/etive/proximity/internal/presence"
)

const (
	proximityRoute = "proximity"
	deviceRoute    = "device"
	trackRoute     = "track"

	EventFound = "found"
	EventLost  = "lost"
)

// ProximityEvent is the body of a found or lost report.
type ProximityEvent struct {
	EventType string `json:"eventType"`
	Timestamp int64  `json:"timestamp"`
	BeaconID  string `json:"beaconId"`
	RSSI      int    `json:"rssi"`
	TxPower   *int   `json:"txPower,omitempty"`
	RSSIMax   *int   `json:"rssiMax,omitempty"`
	UUID      string `json:"uuid"`
	Token     string `json:"token"`
}

type heartbeatBody struct {
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token"`
}

type trackBody struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
	UUID      string  `json:"uuid"`
	Token     string  `json:"token"`
}

// EventFactory turns domain events into dispatcher requests for one device
// and token.
type EventFactory struct {
	baseURL    string
	token      string
	deviceID   string
	dispatcher *dispatch.Dispatcher

	lastHeartbeat *dispatch.Request
}

func NewEventFactory(d *dispatch.Dispatcher, baseURL, token, deviceID string) *EventFactory {
	return &EventFactory{
		baseURL:    baseURL,
		token:      token,
		deviceID:   deviceID,
		dispatcher: d,
	}
}

func (f *EventFactory) now() int64 {
	return f.dispatcher.Now().UnixMilli()
}

// ProximityContent builds the body for a found or lost event. Found events
// carry the advertised tx power, lost events the strongest rssi seen.
func (f *EventFactory) ProximityContent(eventType string, b *presence.Beacon) ProximityEvent {
	ev := ProximityEvent{
		EventType: eventType,
		Timestamp: f.now(),
		BeaconID:  b.BeaconID(),
		RSSI:      b.RSSI,
		UUID:      f.deviceID,
		Token:     f.token,
	}
	switch eventType {
	case EventFound:
		tx := b.TxPower
		ev.TxPower = &tx
	case EventLost:
		rssiMax := b.RSSIMax
		ev.RSSIMax = &rssiMax
	}
	return ev
}

// Found reports a confirmed beacon. Reported is set before queueing, so a
// lost event racing the acknowledgment is still sent, and corrected by the
// server's answer.
func (f *EventFactory) Found(b *presence.Beacon, onCompleted func(status int)) (*dispatch.Request, error) {
	content := f.ProximityContent(EventFound, b)
	b.Reported = true
	return f.dispatcher.Do(dispatch.Options{
		Method:  http.MethodPost,
		URL:     f.baseURL + proximityRoute,
		Body:    content,
		Timeout: false,
		Token:   f.token,
		Callback: func(status int, _ []byte) {
			b.Reported = status == http.StatusCreated
			if onCompleted != nil {
				onCompleted(status)
			}
		},
	})
}

// Lost reports that a beacon has gone out of range.
func (f *EventFactory) Lost(b *presence.Beacon, onCompleted func(status int)) (*dispatch.Request, error) {
	return f.dispatcher.Do(dispatch.Options{
		Method:  http.MethodPost,
		URL:     f.baseURL + proximityRoute,
		Body:    f.ProximityContent(EventLost, b),
		Timeout: false,
		Token:   f.token,
		Callback: func(status int, _ []byte) {
			if onCompleted != nil {
				onCompleted(status)
			}
		},
	})
}

// Heartbeat tells the server the device is alive. A previous heartbeat that
// is still queued is withdrawn first so they cannot pile up while offline.
func (f *EventFactory) Heartbeat(onCompleted func(status int)) (*dispatch.Request, error) {
	if f.lastHeartbeat != nil {
		f.lastHeartbeat.Terminate()
	}
	r, err := f.dispatcher.Do(dispatch.Options{
		Method:  http.MethodPut,
		URL:     f.baseURL + deviceRoute + "/" + f.deviceID,
		Body:    heartbeatBody{Timestamp: f.now(), Token: f.token},
		Timeout: true,
		Token:   f.token,
		Callback: func(status int, _ []byte) {
			if onCompleted != nil {
				onCompleted(status)
			}
		},
	})
	f.lastHeartbeat = r
	return r, err
}

// Track reports a stationary position.
func (f *EventFactory) Track(p Position, onCompleted func(status int)) (*dispatch.Request, error) {
	return f.dispatcher.Do(dispatch.Options{
		Method: http.MethodPost,
		URL:    f.baseURL + trackRoute,
		Body: trackBody{
			Lat:       p.Lat,
			Lng:       p.Lng,
			Accuracy:  p.Accuracy,
			Timestamp: f.now(),
			UUID:      f.deviceID,
			Token:     f.token,
		},
		Timeout: true,
		Token:   f.token,
		Callback: func(status int, _ []byte) {
			if onCompleted != nil {
				onCompleted(status)
			}
		},
	})
}
