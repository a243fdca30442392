package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etive/proximity/internal/eddystone"
	"github.com/etive/proximity/internal/eventloop"
)

var (
	fleet     = eddystone.Namespace{0xed, 0xd1, 0xeb, 0xea, 0xc0, 0x4e, 0x5d, 0xef, 0xa0, 0x17}
	otherNS   = eddystone.Namespace{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	instance  = eddystone.Instance{0xc4, 0xa0, 0, 0, 0, 1}
	step      = 100 * time.Millisecond
	addrA     = "aa:bb:cc:dd:ee:01"
	addrB     = "aa:bb:cc:dd:ee:02"
	strong    = -60
	weak      = -95
	lostAfter = DefaultWaitTime * DefaultLostFactor
)

type fakeScanner struct {
	starts     int
	stops      int
	startErr   error
	onSighting func(Sighting)
	onError    func(error)
}

func (s *fakeScanner) Start(onSighting func(Sighting), onError func(error)) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.onSighting = onSighting
	s.onError = onError
	return nil
}

func (s *fakeScanner) Stop() error {
	s.stops++
	return nil
}

type events struct {
	found []string
	lost  []string
	errs  []error
}

func (e *events) handlers() Handlers {
	return Handlers{
		Found: func(b *Beacon) { e.found = append(e.found, b.Address) },
		Lost:  func(b *Beacon) { e.lost = append(e.lost, b.Address) },
		Error: func(err error) { e.errs = append(e.errs, err) },
	}
}

func uidData(ns eddystone.Namespace) []byte {
	frame := []byte{byte(eddystone.FrameUID), 0xee}
	frame = append(frame, ns[:]...)
	frame = append(frame, instance[:]...)
	return append(frame, 0, 0)
}

func uidSighting(addr string, rssi int) Sighting {
	return Sighting{
		Address:     addr,
		RSSI:        rssi,
		ServiceData: map[string][]byte{eddystone.ServiceUUID: uidData(fleet)},
	}
}

// urlSighting is a non-UID frame from the same beacon.
func urlSighting(addr string, rssi int) Sighting {
	return Sighting{
		Address:     addr,
		RSSI:        rssi,
		ServiceData: map[string][]byte{eddystone.ServiceUUID: {byte(eddystone.FrameURL), 0xee, 0x03, 'a', 0x07}},
	}
}

type fixture struct {
	v       *eventloop.Virtual
	scanner *fakeScanner
	tr      *Tracker
	ev      *events
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig(fleet)
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		v:       eventloop.NewVirtual(time.Unix(1_700_000_000, 0)),
		scanner: &fakeScanner{},
		ev:      &events{},
	}
	f.tr = NewTracker(f.v, f.scanner, cfg, f.ev.handlers())
	require.NoError(t, f.tr.Start())
	return f
}

// sight advances the clock in steps for d, delivering s after each step.
func (f *fixture) sight(d time.Duration, sightings ...Sighting) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		f.v.Advance(step)
		for _, s := range sightings {
			f.scanner.onSighting(s)
		}
	}
}

func (f *fixture) confirm(t *testing.T, addr string) {
	t.Helper()
	f.scanner.onSighting(uidSighting(addr, strong))
	f.sight(2*DefaultWaitTime, uidSighting(addr, strong))
	require.Contains(t, f.ev.found, addr)
}

func TestTracker_FoundAfterDebounce(t *testing.T) {
	f := newFixture(t, nil)

	f.scanner.onSighting(uidSighting(addrA, strong))
	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, 0, f.tr.ConfirmedCount())

	f.sight(DefaultWaitTime, uidSighting(addrA, strong))
	assert.Empty(t, f.ev.found)

	f.sight(DefaultTidyInterval, uidSighting(addrA, strong))
	assert.Equal(t, []string{addrA}, f.ev.found)
	assert.Equal(t, 1, f.tr.ConfirmedCount())

	f.sight(10*time.Second, uidSighting(addrA, strong))
	assert.Len(t, f.ev.found, 1)

	beacons := f.tr.Beacons()
	require.Len(t, beacons, 1)
	assert.Equal(t, "c4a000000001", beacons[0].BeaconID())
	assert.Equal(t, -18, beacons[0].TxPower)
	assert.True(t, beacons[0].Confirmed)
}

func TestTracker_SingleSightingIsAbandoned(t *testing.T) {
	f := newFixture(t, nil)

	f.scanner.onSighting(uidSighting(addrA, strong))
	f.v.Advance(3 * DefaultWaitTime)
	assert.Empty(t, f.ev.found)
	assert.Empty(t, f.ev.lost)
	assert.Equal(t, 0, f.tr.Count())
}

func TestTracker_IgnoresArtifactsAndStrangers(t *testing.T) {
	f := newFixture(t, nil)

	f.scanner.onSighting(uidSighting(addrA, 127))
	f.scanner.onSighting(uidSighting(addrA, weak))
	f.scanner.onSighting(urlSighting(addrA, strong))
	f.scanner.onSighting(Sighting{
		Address:     addrB,
		RSSI:        strong,
		ServiceData: map[string][]byte{eddystone.ServiceUUID: uidData(otherNS)},
	})
	f.scanner.onSighting(Sighting{Address: addrB, RSSI: strong})
	f.scanner.onSighting(Sighting{Address: addrB, RSSI: strong, ScanRecord: []byte{0x05, 0x09}})

	assert.Equal(t, 0, f.tr.Count())
}

func TestTracker_ScanRecordPayload(t *testing.T) {
	f := newFixture(t, nil)

	data := uidData(fleet)
	record := append([]byte{byte(len(data) + 3), 0x16, 0xaa, 0xfe}, data...)
	f.scanner.onSighting(Sighting{Address: addrA, RSSI: strong, ScanRecord: record})

	beacons := f.tr.Beacons()
	require.Len(t, beacons, 1)
	assert.Equal(t, fleet, beacons[0].Namespace)
	assert.Equal(t, instance, beacons[0].ID)
}

func TestTracker_ZeroRSSIFloorIsHonored(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RSSIFloor = 0 })
	assert.Equal(t, 0, f.tr.Config().RSSIFloor)

	f.scanner.onSighting(uidSighting(addrA, strong))
	assert.Equal(t, 0, f.tr.Count())

	f.scanner.onSighting(uidSighting(addrA, 0))
	assert.Equal(t, 1, f.tr.Count())
}

func TestTracker_RSSIMaxIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)

	for _, rssi := range []int{-70, -50, -80} {
		f.scanner.onSighting(uidSighting(addrA, rssi))
	}
	b := f.tr.Beacons()[0]
	assert.Equal(t, -80, b.RSSI)
	assert.Equal(t, -50, b.RSSIMax)
}

func TestTracker_WeakSightingsDoNotKeepCandidateAlive(t *testing.T) {
	f := newFixture(t, nil)

	f.scanner.onSighting(uidSighting(addrA, strong))
	f.sight(3*DefaultWaitTime, uidSighting(addrA, weak))

	assert.Empty(t, f.ev.found)
	assert.Equal(t, 0, f.tr.Count())
}

func TestTracker_WeakSightingsKeepConfirmedBeacon(t *testing.T) {
	f := newFixture(t, nil)
	f.confirm(t, addrA)

	f.sight(3*lostAfter, urlSighting(addrA, weak))
	assert.Empty(t, f.ev.lost)
	b := f.tr.Beacons()[0]
	assert.Equal(t, weak, b.RSSI)
	assert.Equal(t, strong, b.RSSIMax)
}

func TestTracker_LostAfterSilence(t *testing.T) {
	f := newFixture(t, nil)
	f.confirm(t, addrA)

	f.v.Advance(lostAfter - step)
	assert.Empty(t, f.ev.lost)

	f.v.Advance(DefaultTidyInterval + step)
	assert.Equal(t, []string{addrA}, f.ev.lost)
	assert.Equal(t, 0, f.tr.Count())

	f.v.Advance(lostAfter)
	assert.Len(t, f.ev.lost, 1)
}

func TestTracker_FoundBeaconIsSharedWithHandlers(t *testing.T) {
	cfg := DefaultConfig(fleet)
	v := eventloop.NewVirtual(time.Unix(0, 0))
	scanner := &fakeScanner{}
	var found *Beacon
	var lost *Beacon
	tr := NewTracker(v, scanner, cfg, Handlers{
		Found: func(b *Beacon) { b.Reported = true; found = b },
		Lost:  func(b *Beacon) { lost = b },
	})
	require.NoError(t, tr.Start())

	scanner.onSighting(uidSighting(addrA, strong))
	for i := 0; i < 30; i++ {
		v.Advance(step)
		scanner.onSighting(uidSighting(addrA, strong))
	}
	require.NotNil(t, found)
	assert.True(t, tr.Beacons()[0].Reported)

	v.Advance(2 * lostAfter)
	require.NotNil(t, lost)
	assert.Same(t, found, lost)
	assert.True(t, lost.Reported)
}

func TestTracker_StopPolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    StopPolicy
		wantLost  []string
		wantCount int
	}{
		{name: "lose", policy: LoseOnStop, wantLost: []string{addrA}, wantCount: 0},
		{name: "discard", policy: DiscardOnStop, wantCount: 0},
		{name: "retain", policy: RetainOnStop, wantCount: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.StopPolicy = tt.policy })
			f.confirm(t, addrA)
			f.scanner.onSighting(uidSighting(addrB, strong))
			require.Equal(t, 2, f.tr.Count())

			require.NoError(t, f.tr.Stop())
			assert.False(t, f.tr.Running())
			assert.Equal(t, 1, f.scanner.stops)
			assert.Equal(t, tt.wantLost, f.ev.lost)
			assert.Equal(t, tt.wantCount, f.tr.Count())
			assert.Equal(t, 0, f.v.Pending())

			require.NoError(t, f.tr.Stop())
			assert.Equal(t, 1, f.scanner.stops)
		})
	}
}

func TestTracker_IgnoresNewAddressesWhileStopped(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StopPolicy = RetainOnStop })
	require.NoError(t, f.tr.Stop())

	f.scanner.onSighting(uidSighting(addrA, strong))
	assert.Equal(t, 0, f.tr.Count())
}

func TestTracker_RestartKeepsState(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RestartInterval = 10 * time.Second })
	f.confirm(t, addrA)

	f.sight(12*time.Second, uidSighting(addrA, strong))
	assert.Equal(t, 2, f.scanner.starts)
	assert.Equal(t, 1, f.scanner.stops)
	assert.Equal(t, 1, f.tr.ConfirmedCount())
	assert.Len(t, f.ev.found, 1)
	assert.Empty(t, f.ev.lost)
}

func TestTracker_StartError(t *testing.T) {
	v := eventloop.NewVirtual(time.Unix(0, 0))
	scanner := &fakeScanner{startErr: errors.New("adapter unavailable")}
	tr := NewTracker(v, scanner, DefaultConfig(fleet), Handlers{})

	err := tr.Start()
	assert.ErrorContains(t, err, "adapter unavailable")
	assert.False(t, tr.Running())
	assert.Equal(t, 0, v.Pending())
}

func TestTracker_ForwardsScannerErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.scanner.onError(errors.New("scan failed: 2"))
	require.Len(t, f.ev.errs, 1)
	assert.EqualError(t, f.ev.errs[0], "scan failed: 2")
}

func TestParseStopPolicy(t *testing.T) {
	for _, p := range []StopPolicy{LoseOnStop, RetainOnStop, DiscardOnStop} {
		got, err := ParseStopPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseStopPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LoseOnStop, got)

	_, err = ParseStopPolicy("forget")
	assert.Error(t, err)
}

func TestCountPhrase(t *testing.T) {
	assert.Equal(t, "(there is 1 beacon in range)", CountPhrase(1))
	assert.Equal(t, "(there are 3 beacons in range)", CountPhrase(3))
}
