// Package repository is the boundary between tracked beacons and the remote
// API. It owns the device's token and region snapshot and turns presence
// transitions, heartbeats and position reports into dispatcher requests.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/dispatch"
	"github.com/etive/proximity/internal/eventloop"
	"github.com/etive/proximity/internal/presence"
	"github.com/etive/proximity/internal/store"
)

// Keys under which state is persisted.
const (
	TokenKey      = "token"
	RegionsKey    = "regions"
	DeviceUUIDKey = "device_uuid"
)

const (
	authorizeRoute = "receiver"
	regionRoute    = "region"

	DefaultHeartbeatInterval = time.Hour
	DefaultRegionInterval    = 24 * time.Hour

	persistTimeout = 5 * time.Second
)

// Device describes the host sent when registering.
type Device struct {
	UUID      string
	OS        string
	OSVersion string
	Model     string
}

type Config struct {
	BaseURL string
	APIKey  string
	Device  Device
	// HeartbeatInterval of zero uses the default; negative disables it.
	HeartbeatInterval time.Duration
	RegionInterval    time.Duration
}

type deviceBody struct {
	OS        string `json:"os"`
	OSVersion string `json:"osVersion"`
	Model     string `json:"model"`
	Timestamp int64  `json:"timestamp"`
	UUID      string `json:"uuid"`
	Token     string `json:"token"`
}

type apiReply struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Repository is confined to the event loop.
type Repository struct {
	sched      eventloop.Scheduler
	dispatcher *dispatch.Dispatcher
	kv         store.KV
	cfg        Config

	token   string
	regions *Regions
	events  *EventFactory

	heartbeatTimer eventloop.Timer
	regionTimer    eventloop.Timer

	beaconCount int
	onRegions   func(*Regions)
}

// New loads persisted state from kv. Timers are not started until Start.
func New(ctx context.Context, d *dispatch.Dispatcher, kv store.KV, cfg Config) (*Repository, error) {
	if cfg.BaseURL == "" {
		return nil, dispatch.ErrNoURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RegionInterval == 0 {
		cfg.RegionInterval = DefaultRegionInterval
	}

	r := &Repository{
		sched:      d.Scheduler(),
		dispatcher: d,
		kv:         kv,
		cfg:        cfg,
	}

	token, err := kv.Get(ctx, TokenKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load token: %w", err)
	default:
		r.token = token
	}

	raw, err := kv.Get(ctx, RegionsKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load regions: %w", err)
	default:
		var regions Regions
		if err := sonic.UnmarshalString(raw, &regions); err != nil {
			log.Warn().Err(err).Msg("ignoring unreadable persisted regions")
		} else {
			r.regions = &regions
		}
	}

	if r.token != "" {
		r.events = NewEventFactory(d, cfg.BaseURL, r.token, cfg.Device.UUID)
	}
	return r, nil
}

// DeviceUUID returns configured when set, otherwise the persisted id,
// generating and persisting one on first use.
func DeviceUUID(ctx context.Context, kv store.KV, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := kv.Get(ctx, DeviceUUIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load device uuid: %w", err)
	}
	id = uuid.NewString()
	if err := kv.Set(ctx, DeviceUUIDKey, id); err != nil {
		return "", fmt.Errorf("persist device uuid: %w", err)
	}
	log.Info().Str("uuid", id).Msg("generated device uuid")
	return id, nil
}

func (r *Repository) HasToken() bool { return r.token != "" }

// Regions is the current snapshot, nil before the first fetch.
func (r *Repository) Regions() *Regions { return r.regions }

// OnRegions registers a function called when the snapshot is replaced.
func (r *Repository) OnRegions(fn func(*Regions)) { r.onRegions = fn }

func (r *Repository) BeaconCount() int { return r.beaconCount }

// KnownBeaconCount renders the beacon count for log lines.
func (r *Repository) KnownBeaconCount() string {
	return presence.CountPhrase(r.beaconCount)
}

// Start issues a heartbeat and a region fetch and arms their timers. It
// does nothing without a token.
func (r *Repository) Start() {
	r.startTimers(true)
}

// Stop disarms the timers and reports how many were running.
func (r *Repository) Stop() int {
	count := 0
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
		r.heartbeatTimer = nil
		count++
	}
	if r.regionTimer != nil {
		r.regionTimer.Stop()
		r.regionTimer = nil
		count++
	}
	log.Info().Int("count", count).Msg("repository stopped timers")
	return count
}

func (r *Repository) startTimers(issueHeartbeat bool) {
	if r.token == "" {
		return
	}
	if r.heartbeatTimer != nil || r.regionTimer != nil {
		r.Stop()
	}
	log.Info().Msg("repository starting timers")
	if r.cfg.HeartbeatInterval > 0 {
		if issueHeartbeat {
			r.Heartbeat(nil)
		}
		r.heartbeatTimer = r.sched.Every(r.cfg.HeartbeatInterval, func() { r.Heartbeat(nil) })
	}
	r.FetchRegions()
	if r.cfg.RegionInterval > 0 {
		r.regionTimer = r.sched.Every(r.cfg.RegionInterval, r.FetchRegions)
	}
}

// Authorize exchanges an email address for a token, registers the device
// and, when both succeed, persists the token and starts the timers.
func (r *Repository) Authorize(email string, done func(ok bool, message string)) {
	log.Info().Str("email", email).Msg("sending authorisation request")
	u := r.cfg.BaseURL + authorizeRoute + "/" + url.PathEscape(email) + "?key=" + url.QueryEscape(r.cfg.APIKey)

	_, err := r.dispatcher.Get(u, true, func(status int, body []byte) {
		reply := parseReply(body)
		if status != http.StatusOK || reply.Token == "" {
			log.Warn().Int("status", status).Str("message", reply.Message).Msg("authorisation refused")
			if done != nil {
				done(false, reply.Message)
			}
			return
		}
		r.registerDevice(reply.Token, done)
	})
	if err != nil && done != nil {
		done(false, err.Error())
	}
}

func (r *Repository) registerDevice(token string, done func(bool, string)) {
	dev := r.cfg.Device
	content := deviceBody{
		OS:        dev.OS,
		OSVersion: dev.OSVersion,
		Model:     dev.Model,
		Timestamp: r.sched.Now().UnixMilli(),
		UUID:      dev.UUID,
		Token:     token,
	}
	_, err := r.dispatcher.Do(dispatch.Options{
		Method:  http.MethodPost,
		URL:     r.cfg.BaseURL + deviceRoute,
		Body:    content,
		Timeout: true,
		Token:   token,
		Callback: func(status int, body []byte) {
			ok := status == http.StatusCreated
			if ok {
				r.token = token
				r.persist(TokenKey, token)
				r.events = NewEventFactory(r.dispatcher, r.cfg.BaseURL, token, dev.UUID)
				r.startTimers(false)
			} else {
				log.Warn().Int("status", status).Msg("device registration failed, forgetting token")
			}
			if done != nil {
				done(ok, parseReply(body).Message)
			}
		},
	})
	if err != nil && done != nil {
		done(false, err.Error())
	}
}

// FoundBeacon reports a newly confirmed beacon.
func (r *Repository) FoundBeacon(b *presence.Beacon) {
	if r.events == nil {
		return
	}
	r.beaconCount++
	log.Info().Str("beacon", b.BeaconID()).Msg("sending found beacon message " + r.KnownBeaconCount())
	if _, err := r.events.Found(b, nil); err != nil {
		log.Error().Err(err).Str("beacon", b.BeaconID()).Msg("found beacon message not queued")
	}
}

// LostBeacon reports a beacon that left range. Beacons the server never
// acknowledged are not reported.
func (r *Repository) LostBeacon(b *presence.Beacon) {
	if r.events == nil {
		return
	}
	if r.beaconCount > 0 {
		r.beaconCount--
	}
	if !b.Reported {
		log.Info().Str("beacon", b.BeaconID()).Msg("lost contact with unreported beacon " + r.KnownBeaconCount())
		return
	}
	log.Info().Str("beacon", b.BeaconID()).Msg("sending lost beacon message " + r.KnownBeaconCount())
	if _, err := r.events.Lost(b, nil); err != nil {
		log.Error().Err(err).Str("beacon", b.BeaconID()).Msg("lost beacon message not queued")
	}
}

// Heartbeat sends a device heartbeat.
func (r *Repository) Heartbeat(onCompleted func(status int)) {
	if r.events == nil {
		return
	}
	log.Info().Msg("sending heartbeat message")
	if _, err := r.events.Heartbeat(onCompleted); err != nil {
		log.Error().Err(err).Msg("heartbeat not queued")
	}
}

// Track reports a stationary position.
func (r *Repository) Track(p Position) {
	if r.events == nil {
		return
	}
	log.Info().Str("position", p.String()).Msg("sending track message")
	if _, err := r.events.Track(p, nil); err != nil {
		log.Error().Err(err).Msg("track message not queued")
	}
}

// FetchRegions asks for the region snapshot, conditionally on the stamp of
// the one already held.
func (r *Repository) FetchRegions() {
	if r.token == "" {
		return
	}
	u := r.cfg.BaseURL + regionRoute
	if r.regions != nil {
		u += "?stamp=" + strconv.FormatInt(r.regions.Changed, 10)
	}
	log.Info().Str("url", u).Msg("sending region request")

	_, err := r.dispatcher.Do(dispatch.Options{
		Method:   http.MethodGet,
		URL:      u,
		Expected: []int{http.StatusOK, http.StatusNotModified},
		Token:    r.token,
		Callback: func(status int, body []byte) {
			switch status {
			case http.StatusNotModified:
				log.Debug().Msg("regions unchanged")
			case http.StatusOK:
				r.updateRegions(body)
			default:
				log.Warn().Int("status", status).Msg("region request failed")
			}
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("region request not queued")
	}
}

func (r *Repository) updateRegions(body []byte) {
	if body == nil {
		log.Warn().Msg("region response had no body")
		return
	}
	var next Regions
	if err := sonic.Unmarshal(body, &next); err != nil {
		log.Warn().Err(err).Msg("could not decode regions")
		return
	}
	if r.regions != nil && next.Changed <= r.regions.Changed {
		log.Debug().Int64("changed", next.Changed).Msg("ignoring stale regions")
		return
	}
	r.regions = &next
	log.Info().Int("count", len(next.Regions)).Int64("changed", next.Changed).Msg("regions updated")
	r.persist(RegionsKey, string(body))
	if r.onRegions != nil {
		r.onRegions(r.regions)
	}
}

func (r *Repository) persist(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.kv.Set(ctx, key, value); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to persist")
	}
}

func parseReply(body []byte) apiReply {
	var reply apiReply
	if len(body) > 0 {
		_ = sonic.Unmarshal(body, &reply)
	}
	return reply
}
