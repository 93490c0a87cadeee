// Command server runs the AppForge control plane: model routing, the
// generation pipelines, preview servers and platform builds behind one
// HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/telemetry"
	"github.com/appforge/appforge/pkg/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	telemetry.SetupLogging(cfg.Log)

	log.Info().Msg("AppForge control plane starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	if err := srv.Run(ctx, 15*time.Second); err != nil {
		log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}
