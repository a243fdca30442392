package presence

import (
	"fmt"
	"strings"
	"time"

	"github.com/etive/proximity/internal/eddystone"
)

// Beacon is a tracked advertiser. It is a candidate until Confirmed.
type Beacon struct {
	Address   string
	Namespace eddystone.Namespace
	ID        eddystone.Instance
	TxPower   int

	RSSI    int
	RSSIMax int
	// Timestamp is the time of the last qualifying sighting.
	Timestamp time.Time
	// FoundAfter is the end of the debounce window.
	FoundAfter time.Time

	Confirmed bool
	// Reported is owned by the reporter: set when a found event is sent and
	// corrected by the server's answer.
	Reported bool
}

// BeaconID is the hex encoded instance id.
func (b *Beacon) BeaconID() string {
	return b.ID.String()
}

func (b *Beacon) String() string {
	state := "candidate"
	if b.Confirmed {
		state = "confirmed"
	}
	return fmt.Sprintf("%s beacon %s at %s (rssi %d)", state, b.BeaconID(), b.Address, b.RSSI)
}

// CountPhrase renders a beacon count for log lines.
func CountPhrase(n int) string {
	if n == 1 {
		return "(there is 1 beacon in range)"
	}
	return fmt.Sprintf("(there are %d beacons in range)", n)
}

// Sighting is one advertisement report from a scanner. Either ScanRecord or
// ServiceData carries the payload, depending on what the platform exposes.
type Sighting struct {
	Address     string
	RSSI        int
	ScanRecord  []byte
	ServiceData map[string][]byte
}

func (s Sighting) eddystoneData() ([]byte, error) {
	if len(s.ScanRecord) > 0 {
		adv, err := eddystone.ParseRecord(s.ScanRecord)
		if err != nil {
			return nil, err
		}
		data, _ := adv.Eddystone()
		return data, nil
	}
	for uuid, data := range s.ServiceData {
		if strings.EqualFold(uuid, eddystone.ServiceUUID) {
			return data, nil
		}
	}
	return nil, nil
}

// Scanner is a source of sightings. Callbacks must be delivered on the
// tracker's event loop.
type Scanner interface {
	Start(onSighting func(Sighting), onError func(error)) error
	Stop() error
}
