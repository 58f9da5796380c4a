package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossida/midday/internal/app"
	"github.com/mossida/midday/internal/config"
	"github.com/mossida/midday/internal/logger"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file (or set CONFIG_FILE env)")
		port       = flag.String("port", "", "HTTP server port (overrides config)")
		worker     = flag.Bool("worker", true, "Run the job worker in this process")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	// Initialize logger
	log := logger.NewWithConfig(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}
	defer a.Close()

	// Start worker in background to process jobs
	workerDone := make(chan struct{})
	if *worker {
		go func() {
			defer close(workerDone)
			log.Info().Msg("Starting job worker")
			if err := a.RunWorker(ctx); err != nil {
				log.Error().Err(err).Msg("Job worker stopped with error")
			}
		}()
	} else {
		close(workerDone)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Wait for in-flight jobs
	<-workerDone

	log.Info().Msg("Server exited")
}
