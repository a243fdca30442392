// Package app ties beacon tracking, request dispatch and the repository
// together and drives scanning from the device's position.
package app

import (
	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/dispatch"
	"github.com/etive/proximity/internal/eventloop"
	"github.com/etive/proximity/internal/presence"
	"github.com/etive/proximity/internal/repository"
)

// App is confined to its scheduler. Every method must run on the loop.
type App struct {
	sched      eventloop.Scheduler
	dispatcher *dispatch.Dispatcher
	network    *dispatch.NetworkState
	tracker    *presence.Tracker
	repo       *repository.Repository
	authEmail  string

	position *repository.Position
	started  bool
}

// Deps are the collaborators an App is assembled from.
type Deps struct {
	Sched      eventloop.Scheduler
	Dispatcher *dispatch.Dispatcher
	Network    *dispatch.NetworkState
	Repository *repository.Repository
	Scanner    presence.Scanner
	Presence   presence.Config
	// AuthEmail is used to obtain a token when none is stored.
	AuthEmail string
}

func New(deps Deps) *App {
	a := &App{
		sched:      deps.Sched,
		dispatcher: deps.Dispatcher,
		network:    deps.Network,
		repo:       deps.Repository,
		authEmail:  deps.AuthEmail,
	}
	if a.network == nil {
		a.network = &dispatch.NetworkState{}
	}
	a.tracker = presence.NewTracker(deps.Sched, deps.Scanner, deps.Presence, presence.Handlers{
		Found: a.repo.FoundBeacon,
		Lost:  a.repo.LostBeacon,
		Error: func(err error) { log.Error().Err(err).Msg("beacon scanner error") },
	})
	a.repo.OnRegions(func(*repository.Regions) { a.updateScanning() })
	return a
}

func (a *App) Tracker() *presence.Tracker { return a.tracker }

func (a *App) Repository() *repository.Repository { return a.repo }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Start arms the repository timers, authorises if there is no token yet
// and starts scanning when the last known position allows it.
func (a *App) Start() {
	if a.started {
		return
	}
	a.started = true
	a.repo.Start()
	if !a.repo.HasToken() {
		if a.authEmail == "" {
			log.Warn().Msg("no token stored and no AUTH_EMAIL set, events will not be reported")
		} else {
			a.repo.Authorize(a.authEmail, func(ok bool, message string) {
				if ok {
					log.Info().Msg("device authorised")
					return
				}
				log.Error().Str("message", message).Msg("device authorisation failed")
			})
		}
	}
	a.updateScanning()
}

// Stop halts scanning and the repository timers. Queued requests are left
// to the dispatcher.
func (a *App) Stop() {
	if !a.started {
		return
	}
	a.started = false
	if a.tracker.Running() {
		if err := a.tracker.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop beacon tracker")
		}
	}
	a.repo.Stop()
}

// OnPosition records a position fix. Scanning follows region membership;
// a stationary fix is also reported to the server.
func (a *App) OnPosition(pos repository.Position, moving bool) {
	p := pos
	a.position = &p
	if !moving {
		a.repo.Track(pos)
	}
	a.updateScanning()
}

// ShouldScan reports whether the current position permits scanning. With
// no region snapshot or no position fix scanning is unrestricted.
func (a *App) ShouldScan() bool {
	regions := a.repo.Regions()
	if regions == nil || len(regions.Regions) == 0 || a.position == nil {
		return true
	}
	return regions.Contains(a.position.Lat, a.position.Lng)
}

func (a *App) updateScanning() {
	if !a.started {
		return
	}
	want := a.ShouldScan()
	switch {
	case want && !a.tracker.Running():
		log.Info().Msg("starting beacon scan")
		if err := a.tracker.Start(); err != nil {
			log.Error().Err(err).Msg("failed to start beacon tracker")
		}
	case !want && a.tracker.Running():
		log.Info().Msg("outside all regions, stopping beacon scan")
		if err := a.tracker.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop beacon tracker")
		}
	}
}

// Online records that the host has a network and lets the dispatcher
// resume once the server is reachable.
func (a *App) Online() {
	a.network.Set(true)
	a.dispatcher.Online()
}

// Offline suspends dispatch.
func (a *App) Offline() {
	a.network.Set(false)
	a.dispatcher.Offline()
}
