package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/relay"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "tacit-relay").Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("TACIT_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		log = log.Level(lvl)
	}

	cfg, err := relay.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	id, err := identity.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.KeyPath).Msg("relay identity")
	}

	srv := relay.New(cfg, id, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info().Str("signal", s.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}
