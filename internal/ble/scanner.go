// Package ble feeds sightings from a host Bluetooth adapter into the
// presence tracker.
package ble

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/etive/proximity/internal/presence"
)

const stopTimeout = 5 * time.Second

var ErrStopTimeout = errors.New("scan did not stop in time")

// Scanner adapts a tinygo bluetooth adapter to presence.Scanner. Sightings
// and errors are handed to tryPost so they run on the tracker's loop. The
// scan goroutine never blocks on a busy loop; what tryPost refuses is
// dropped.
type Scanner struct {
	adapter *bluetooth.Adapter
	tryPost func(func()) bool
	dropped atomic.Uint64

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
}

func NewScanner(adapter *bluetooth.Adapter, tryPost func(func()) bool) *Scanner {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &Scanner{adapter: adapter, tryPost: tryPost}
}

// Dropped counts sightings and errors the loop had no room for.
func (s *Scanner) Dropped() uint64 { return s.dropped.Load() }

func (s *Scanner) offer(kind string, fn func()) bool {
	if s.tryPost(fn) {
		return true
	}
	n := s.dropped.Add(1)
	log.Debug().Str("kind", kind).Uint64("dropped", n).Msg("event loop busy, dropping scan event")
	return false
}

func (s *Scanner) Start(onSighting func(presence.Sighting), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil
	}
	if !s.enabled {
		if err := s.adapter.Enable(); err != nil {
			return fmt.Errorf("enable bluetooth adapter: %w", err)
		}
		s.enabled = true
	}

	done := make(chan struct{})
	s.done = done
	go func() {
		defer close(done)
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			sighting := toSighting(res.Address.String(), res.RSSI, res.ServiceData())
			s.offer("sighting", func() { onSighting(sighting) })
		})
		if err != nil {
			log.Error().Err(err).Msg("bluetooth scan ended")
			s.offer("error", func() { onError(fmt.Errorf("scan: %w", err)) })
		}
	}()
	return nil
}

// Stop ends the scan and waits for the scan goroutine to exit.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return ErrStopTimeout
	}
}

func toSighting(address string, rssi int16, elems []bluetooth.ServiceDataElement) presence.Sighting {
	s := presence.Sighting{Address: address, RSSI: int(rssi)}
	if len(elems) > 0 {
		s.ServiceData = make(map[string][]byte, len(elems))
		for _, e := range elems {
			s.ServiceData[e.UUID.String()] = append([]byte(nil), e.Data...)
		}
	}
	return s
}
