// Package main is the entry point for the tradelib portfolio rebalancing
// service. It converts target weights into brokerage orders, keeps an
// append-only ledger of everything it did, and exposes the whole thing over a
// REST API.
//
// Startup sequence:
//  1. Load configuration from environment variables
//  2. Initialize structured logging
//  3. Wire all dependencies via the DI container (databases, repositories,
//     services, brokerage backend)
//  4. Start the cron scheduler and register background jobs
//  5. Start the order-update stream when the backend provides one
//  6. Start the HTTP server
//  7. Wait for SIGINT/SIGTERM and shut everything down gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/di"
	"github.com/aristath/tradelib/internal/scheduler"
	"github.com/aristath/tradelib/internal/server"
	"github.com/aristath/tradelib/internal/version"
	"github.com/aristath/tradelib/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger so the configuration error is still visible
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger with config level
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().
		Str("version", version.Version).
		Str("backend", cfg.Backend).
		Msg("Starting tradelib")

	// Wire all dependencies using the DI container. Databases first, then
	// repositories, then services; everything is constructor injected.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// All three databases must close cleanly so WAL checkpoints are written.
	defer container.Close()

	// Initialize scheduler and register background jobs
	sched := scheduler.New(log)
	jobs, err := di.RegisterJobs(container, cfg, sched, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}

	sched.Start()
	defer sched.Stop()

	if jobs.Rebalance != nil {
		log.Info().Str("schedule", cfg.RebalanceSchedule).Msg("Scheduled rebalancing enabled")
	}

	// Start the order-update stream when the alpaca backend is active. Fill
	// updates flow into the trading service, which settles them against the
	// ledger and portfolio.
	if container.AlpacaStream != nil {
		if err := container.AlpacaStream.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start order update stream")
		}
		defer func() {
			if err := container.AlpacaStream.Stop(); err != nil {
				log.Error().Err(err).Msg("Error stopping order update stream")
			}
		}()
	}

	// Initialize HTTP server
	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Config:    cfg,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
