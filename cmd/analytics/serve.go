package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/di"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

// runServe boots the full analytics service, then blocks until the
// context is cancelled and unwinds in reverse order: no new cycles, drain
// in-flight tasks, stop the API, close the stores.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.ValidateAnalytics(); err != nil {
		if cfg.IsProduction() {
			return &exitError{code: exitConfigProd, err: err}
		}
		return fmt.Errorf("validating configuration: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("env", cfg.Env).Msg("Starting analytics service")

	container, err := di.WireAnalytics(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer container.Close()

	container.RegisterTasks()
	if err := container.RegisterSchedules(); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}

	// The pool gets its own context; Stop drains it at the right point
	// in the shutdown order regardless of the signal context.
	container.Workers.Start(context.Background())
	container.Scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info().Int("port", cfg.Server.Port).Msg("Analytics service started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		runErr = fmt.Errorf("http server: %w", err)
	}

	container.Scheduler.Stop()
	container.Workers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Analytics service stopped")
	return runErr
}
