// Package presence turns a noisy stream of BLE sightings into found and lost
// transitions for beacons of one Eddystone namespace.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/eddystone"
	"github.com/etive/proximity/internal/eventloop"
)

// StopPolicy selects what happens to tracked beacons when scanning stops.
type StopPolicy int

const (
	// LoseOnStop reports every confirmed beacon as lost and forgets candidates.
	LoseOnStop StopPolicy = iota
	// RetainOnStop keeps all state; beacons age out once scanning resumes.
	RetainOnStop
	// DiscardOnStop forgets everything without reporting.
	DiscardOnStop
)

func (p StopPolicy) String() string {
	switch p {
	case LoseOnStop:
		return "lose"
	case RetainOnStop:
		return "retain"
	case DiscardOnStop:
		return "discard"
	}
	return "unknown"
}

// ParseStopPolicy accepts the names returned by StopPolicy.String.
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lose":
		return LoseOnStop, nil
	case "retain":
		return RetainOnStop, nil
	case "discard":
		return DiscardOnStop, nil
	}
	return LoseOnStop, fmt.Errorf("unknown stop policy %q", s)
}

const (
	DefaultRSSIFloor       = -90
	DefaultWaitTime        = 1400 * time.Millisecond
	DefaultLostFactor      = 5
	DefaultTidyInterval    = 700 * time.Millisecond
	DefaultRestartInterval = 5 * time.Minute
)

type Config struct {
	Namespace eddystone.Namespace
	// RSSIFloor is the weakest signal that can create or refresh a candidate.
	// Zero is a valid floor; DefaultConfig supplies the usual one.
	RSSIFloor int
	// WaitTime is the debounce window before a candidate is confirmed.
	WaitTime time.Duration
	// LostFactor multiplies WaitTime to give the silence that loses a beacon.
	LostFactor      int
	TidyInterval    time.Duration
	RestartInterval time.Duration
	StopPolicy      StopPolicy
}

func DefaultConfig(ns eddystone.Namespace) Config {
	return Config{
		Namespace:       ns,
		RSSIFloor:       DefaultRSSIFloor,
		WaitTime:        DefaultWaitTime,
		LostFactor:      DefaultLostFactor,
		TidyInterval:    DefaultTidyInterval,
		RestartInterval: DefaultRestartInterval,
		StopPolicy:      LoseOnStop,
	}
}

func (c Config) withDefaults() Config {
	if c.WaitTime <= 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.LostFactor <= 0 {
		c.LostFactor = DefaultLostFactor
	}
	if c.TidyInterval <= 0 {
		c.TidyInterval = DefaultTidyInterval
	}
	if c.RestartInterval <= 0 {
		c.RestartInterval = DefaultRestartInterval
	}
	return c
}

// Handlers receive tracker transitions on the event loop. Any may be nil.
type Handlers struct {
	Found func(*Beacon)
	Lost  func(*Beacon)
	Error func(error)
}

// Tracker owns the candidate and confirmed beacon sets. It is confined to
// the event loop.
type Tracker struct {
	sched    eventloop.Scheduler
	scanner  Scanner
	cfg      Config
	handlers Handlers

	beacons map[string]*Beacon
	running bool

	tidyTimer    eventloop.Timer
	restartTimer eventloop.Timer
}

func NewTracker(sched eventloop.Scheduler, scanner Scanner, cfg Config, h Handlers) *Tracker {
	return &Tracker{
		sched:    sched,
		scanner:  scanner,
		cfg:      cfg.withDefaults(),
		handlers: h,
		beacons:  make(map[string]*Beacon),
	}
}

func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) Running() bool { return t.running }

// Count is the number of candidates and confirmed beacons.
func (t *Tracker) Count() int { return len(t.beacons) }

// ConfirmedCount is the number of confirmed beacons.
func (t *Tracker) ConfirmedCount() int {
	n := 0
	for _, b := range t.beacons {
		if b.Confirmed {
			n++
		}
	}
	return n
}

// Beacons returns copies of the tracked beacons ordered by address.
func (t *Tracker) Beacons() []Beacon {
	out := make([]Beacon, 0, len(t.beacons))
	for _, b := range t.beacons {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Start begins scanning and arms the tidy and restart timers.
func (t *Tracker) Start() error {
	if t.running {
		return nil
	}
	log.Info().Str("namespace", t.cfg.Namespace.String()).Msg("starting the scan")
	if err := t.scanner.Start(t.HandleSighting, t.handleError); err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}
	t.running = true
	t.tidyTimer = t.sched.Every(t.cfg.TidyInterval, t.Tidy)
	t.restartTimer = t.sched.Every(t.cfg.RestartInterval, t.restart)
	return nil
}

// Stop ends scanning and applies the configured StopPolicy.
func (t *Tracker) Stop() error {
	if !t.running {
		return nil
	}
	log.Info().Str("policy", t.cfg.StopPolicy.String()).Msg("stopping the scan")
	t.running = false
	t.stopTimers()
	err := t.scanner.Stop()

	switch t.cfg.StopPolicy {
	case RetainOnStop:
	case DiscardOnStop:
		clear(t.beacons)
	default:
		for _, addr := range t.addresses() {
			b := t.beacons[addr]
			delete(t.beacons, addr)
			if b.Confirmed {
				t.lost(b)
			}
		}
	}

	if err != nil {
		return fmt.Errorf("stop scanner: %w", err)
	}
	return nil
}

// HandleSighting applies one advertisement report.
func (t *Tracker) HandleSighting(s Sighting) {
	// Some radios report +127 when no RSSI was measured.
	if s.RSSI > 0 {
		return
	}

	if b, ok := t.beacons[s.Address]; ok {
		b.RSSI = s.RSSI
		if s.RSSI > b.RSSIMax {
			b.RSSIMax = s.RSSI
		}
		if b.Confirmed || s.RSSI >= t.cfg.RSSIFloor {
			b.Timestamp = t.sched.Now()
		}
		return
	}

	if !t.running || s.RSSI < t.cfg.RSSIFloor {
		return
	}

	data, err := s.eddystoneData()
	if err != nil {
		log.Debug().Err(err).Str("address", s.Address).Msg("ignoring undecodable advertisement")
		return
	}
	if data == nil {
		return
	}
	frame, err := eddystone.ParseFrame(data)
	if err != nil {
		log.Debug().Err(err).Str("address", s.Address).Msg("ignoring undecodable eddystone frame")
		return
	}
	if frame.Type != eddystone.FrameUID || frame.Namespace != t.cfg.Namespace {
		return
	}

	now := t.sched.Now()
	b := &Beacon{
		Address:    s.Address,
		Namespace:  frame.Namespace,
		ID:         frame.Instance,
		TxPower:    frame.TxPower,
		RSSI:       s.RSSI,
		RSSIMax:    s.RSSI,
		Timestamp:  now,
		FoundAfter: now.Add(t.cfg.WaitTime),
	}
	t.beacons[s.Address] = b
	log.Debug().Str("beacon", b.String()).Msg("new candidate")
}

// Tidy promotes settled candidates, forgets abandoned ones and reports
// confirmed beacons that have fallen silent.
func (t *Tracker) Tidy() {
	now := t.sched.Now()
	lostAfter := t.cfg.WaitTime * time.Duration(t.cfg.LostFactor)

	for _, addr := range t.addresses() {
		b := t.beacons[addr]
		switch {
		case b.Confirmed:
			if now.Sub(b.Timestamp) > lostAfter {
				delete(t.beacons, addr)
				t.lost(b)
			}
		case !b.Timestamp.Before(b.FoundAfter):
			b.Confirmed = true
			log.Info().Str("beacon", b.String()).Msg("beacon found")
			if t.handlers.Found != nil {
				t.handlers.Found(b)
			}
		case now.Sub(b.Timestamp) > t.cfg.WaitTime:
			delete(t.beacons, addr)
			log.Debug().Str("beacon", b.String()).Msg("candidate abandoned")
		}
	}
}

func (t *Tracker) lost(b *Beacon) {
	log.Info().Str("beacon", b.String()).Int("rssi_max", b.RSSIMax).Msg("beacon lost")
	if t.handlers.Lost != nil {
		t.handlers.Lost(b)
	}
}

// restart cycles the scanner without touching tracked state.
func (t *Tracker) restart() {
	if !t.running {
		return
	}
	log.Debug().Msg("restarting the scan")
	if err := t.scanner.Stop(); err != nil {
		log.Warn().Err(err).Msg("failed to stop scanner for restart")
	}
	if err := t.scanner.Start(t.HandleSighting, t.handleError); err != nil {
		t.handleError(fmt.Errorf("restart scanner: %w", err))
	}
}

func (t *Tracker) handleError(err error) {
	log.Error().Err(err).Msg("scan error")
	if t.handlers.Error != nil {
		t.handlers.Error(err)
	}
}

func (t *Tracker) stopTimers() {
	if t.tidyTimer != nil {
		t.tidyTimer.Stop()
		t.tidyTimer = nil
	}
	if t.restartTimer != nil {
		t.restartTimer.Stop()
		t.restartTimer = nil
	}
}

// addresses returns tracked addresses in a stable order so transitions are
// emitted deterministically.
func (t *Tracker) addresses() []string {
	addrs := make([]string, 0, len(t.beacons))
	for a := range t.beacons {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}
