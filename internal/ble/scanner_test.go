package ble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/etive/proximity/internal/eddystone"
	"github.com/etive/proximity/internal/eventloop"
)

func TestToSighting(t *testing.T) {
	frame := []byte{byte(eddystone.FrameUID), 0xee, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	s := toSighting("aa:bb:cc:dd:ee:ff", -67, []bluetooth.ServiceDataElement{
		{UUID: bluetooth.New16BitUUID(eddystone.ServiceUUID16), Data: frame},
	})

	assert.Equal(t, "aa:bb:cc:dd:ee:ff", s.Address)
	assert.Equal(t, -67, s.RSSI)
	require.Contains(t, s.ServiceData, eddystone.ServiceUUID)
	assert.Equal(t, frame, s.ServiceData[eddystone.ServiceUUID])

	frame[0] = 0xff
	assert.Equal(t, byte(eddystone.FrameUID), s.ServiceData[eddystone.ServiceUUID][0])
}

func TestToSighting_NoServiceData(t *testing.T) {
	s := toSighting("aa", -80, nil)
	assert.Nil(t, s.ServiceData)
}

func TestScanner_StopWithoutStart(t *testing.T) {
	s := NewScanner(nil, func(fn func()) bool { fn(); return true })
	assert.NoError(t, s.Stop())
}

func TestScanner_DropsWhenLoopBusy(t *testing.T) {
	room := 2
	ran := 0
	s := NewScanner(nil, func(fn func()) bool {
		if room == 0 {
			return false
		}
		room--
		fn()
		return true
	})

	for range 5 {
		s.offer("sighting", func() { ran++ })
	}
	assert.Equal(t, 2, ran)
	assert.Equal(t, uint64(3), s.Dropped())
}

func TestScanner_OfferToFullLoopDoesNotBlock(t *testing.T) {
	loop := eventloop.New()
	for loop.TryPost(func() {}) {
	}
	s := NewScanner(nil, loop.TryPost)

	done := make(chan bool)
	go func() { done <- s.offer("sighting", func() {}) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("offer blocked on a full loop")
	}
	assert.Equal(t, uint64(1), s.Dropped())
}
