package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossida/midday/internal/app"
	"github.com/mossida/midday/internal/config"
	"github.com/mossida/midday/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file (or set CONFIG_FILE env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger
	log := logger.NewWithConfig(cfg.Log.Level, cfg.Log.Format)

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize worker")
	}
	defer a.Close()

	log.Info().Msg("Starting worker service")

	// Blocks until a signal arrives and in-flight jobs finish
	if err := a.RunWorker(ctx); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
	}

	log.Info().Msg("Worker service stopped")
}
