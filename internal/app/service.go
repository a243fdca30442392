package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/ble"
	"github.com/etive/proximity/internal/config"
	"github.com/etive/proximity/internal/dispatch"
	"github.com/etive/proximity/internal/eventloop"
	"github.com/etive/proximity/internal/presence"
	"github.com/etive/proximity/internal/repository"
	"github.com/etive/proximity/internal/store"
	"github.com/etive/proximity/internal/transport"
	"github.com/etive/proximity/internal/utils/logger"
)

const stopTimeout = 10 * time.Second

// Service runs an App on a real event loop.
type Service struct {
	Ctx    context.Context
	Cancel context.CancelFunc
	Wg     sync.WaitGroup

	loop      *eventloop.Loop
	transport *transport.Resty
	app       *App
}

// ServiceOptions lets callers replace the hardware-facing parts.
type ServiceOptions struct {
	// Scanner defaults to the host bluetooth adapter.
	Scanner presence.Scanner
	// Registerer receives the dispatcher metrics; nil disables them.
	Registerer prometheus.Registerer
}

// NewService assembles the loop, transport, dispatcher, repository and
// tracker from cfg. The loop does not run until Start.
func NewService(cfg *config.AppConfig, kv store.KV, deviceUUID string, opts ServiceOptions) (*Service, error) {
	presenceCfg, err := cfg.PresenceConfig()
	if err != nil {
		return nil, fmt.Errorf("presence config: %w", err)
	}

	loop := eventloop.New()

	tr, err := transport.NewResty(cfg.TransportConfig(), loop.Post)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	prober, err := newProber(cfg, deviceUUID, loop, tr)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("create echo prober: %w", err)
	}

	var metrics *dispatch.Metrics
	if opts.Registerer != nil {
		if metrics, err = dispatch.NewMetrics(opts.Registerer); err != nil {
			tr.Close()
			return nil, fmt.Errorf("register dispatch metrics: %w", err)
		}
	}

	network := &dispatch.NetworkState{}
	d := dispatch.New(loop, tr,
		dispatch.WithConfig(cfg.DispatchConfig()),
		dispatch.WithNetworkStatus(network),
		dispatch.WithProber(prober),
		dispatch.WithMetrics(metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())

	repo, err := repository.New(ctx, d, kv, cfg.RepositoryConfig(deviceUUID))
	if err != nil {
		cancel()
		tr.Close()
		return nil, fmt.Errorf("create repository: %w", err)
	}

	scanner := opts.Scanner
	if scanner == nil {
		scanner = ble.NewScanner(nil, loop.TryPost)
	}

	a := New(Deps{
		Sched:      loop,
		Dispatcher: d,
		Network:    network,
		Repository: repo,
		Scanner:    scanner,
		Presence:   presenceCfg,
		AuthEmail:  cfg.AuthEmail,
	})

	return &Service{
		Ctx:       ctx,
		Cancel:    cancel,
		Wg:        sync.WaitGroup{},
		loop:      loop,
		transport: tr,
		app:       a,
	}, nil
}

// newProber picks the echo prober. Without a retry budget the echo request
// shares the dispatcher's transport.
func newProber(cfg *config.AppConfig, deviceUUID string, loop *eventloop.Loop, tr transport.Transport) (dispatch.Prober, error) {
	if cfg.ProbeRetryMax <= 0 {
		return &dispatch.TransportProber{
			Sched:     loop,
			Transport: tr,
			URL:       cfg.EchoURL(deviceUUID),
			Timeout:   cfg.TxTimeout,
		}, nil
	}
	p, err := dispatch.NewHTTPProber(dispatch.ProberConfig{
		URL:      cfg.EchoURL(deviceUUID),
		Timeout:  cfg.TxTimeout,
		RetryMax: cfg.ProbeRetryMax,
		Logger:   logger.NewLeveled(),
	}, loop.Post)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start runs the loop and starts the app on it.
func (s *Service) Start() {
	s.Wg.Add(1)
	go func() {
		defer s.Wg.Done()
		s.loop.Run(s.Ctx)
	}()
	s.loop.Post(s.app.Start)
	log.Info().Msg("proximity service started")
}

// Stop stops the app on the loop, then the loop itself.
func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.loop.Call(ctx, s.app.Stop); err != nil {
		log.Warn().Err(err).Msg("app did not stop cleanly")
	}
	if s.Cancel != nil {
		s.Cancel()
	}
	s.Wg.Wait()
	s.transport.Close()
	log.Info().Msg("proximity service stopped")
}

// OnPosition is safe to call from any goroutine.
func (s *Service) OnPosition(pos repository.Position, moving bool) {
	s.loop.Post(func() { s.app.OnPosition(pos, moving) })
}

// Online is safe to call from any goroutine.
func (s *Service) Online() {
	s.loop.Post(s.app.Online)
}

// Offline is safe to call from any goroutine.
func (s *Service) Offline() {
	s.loop.Post(s.app.Offline)
}

// Call runs fn against the app on the loop and waits for it.
func (s *Service) Call(ctx context.Context, fn func(*App)) error {
	return s.loop.Call(ctx, func() { fn(s.app) })
}
