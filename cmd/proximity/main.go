package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/app"
	"github.com/etive/proximity/internal/config"
	"github.com/etive/proximity/internal/repository"
	"github.com/etive/proximity/internal/store"
	"github.com/etive/proximity/internal/utils/logger"
)

func main() {
	logger.Init()
	defer func() { _ = logger.Logger.Sync() }()
	log.Info().Msg("Starting proximity agent...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load environment configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	kv, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		cancel()
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer kv.Close()

	deviceUUID, err := repository.DeviceUUID(ctx, kv, cfg.UUID)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve device uuid")
	}
	log.Info().Str("uuid", deviceUUID).Msg("device identity")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := app.NewService(cfg, kv, deviceUUID, app.ServiceOptions{Registerer: reg})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble proximity service")
	}

	metricsServer := serveMetrics(cfg.MetricsAddr, reg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	svc.Start()

	// SIGUSR1 and SIGUSR2 carry the host's network up and down events.
signals:
	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			log.Info().Msg("network up signal received")
			svc.Online()
		case syscall.SIGUSR2:
			log.Info().Msg("network down signal received")
			svc.Offline()
		default:
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received, stopping proximity agent")
			break signals
		}
	}

	svc.Stop()
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
		done()
	}
	<-svc.Ctx.Done()
	log.Info().Msg("proximity agent stopped")
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
