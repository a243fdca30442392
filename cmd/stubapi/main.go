package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/utils/logger"
	"github.com/etive/proximity/pkg/stubapi"
)

func main() {
	logger.Init()
	log.Info().Msg("Starting stub API...")

	cfg, err := stubapi.LoadConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load stub api configuration")
	}
	s := stubapi.NewServer(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received, stopping stub api")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("stub api shutdown")
		}
	}()

	if err := s.Start(); err != nil {
		log.Fatal().Err(err).Msg("stub api stopped")
	}
	log.Info().Msg("stub api stopped")
}
