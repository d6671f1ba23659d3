package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/di"
	"github.com/slipstreamlabs/slipstream/internal/reliability"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

// runServe boots the execution bot: restore check, container, safety
// loops, worker pool, schedules and the gateway, then blocks until the
// context is cancelled. Shutdown stops new cycles first and keeps the
// safety loops running until the pool has drained, so in-flight trades
// are still confirmed and breaker-checked while they finish.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.ValidateBot(); err != nil {
		if cfg.IsProduction() {
			return &exitError{code: exitConfigProd, err: err}
		}
		return fmt.Errorf("validating configuration: %w", err)
	}

	version := botVersion()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("env", cfg.Env).Str("version", version).Msg("Starting execution bot")

	if err := restoreIfEmpty(ctx, cfg, log); err != nil {
		return err
	}

	container, err := di.WireBot(ctx, cfg, version, log)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer container.Close()

	if cfg.Bot.EmergencyStopEnabled {
		container.Breakers.Halt(ctx, "emergency stop flag set at startup")
		log.Warn().Msg("Trading halted: emergency stop flag is set")
	}

	container.RegisterTasks()
	if err := container.RegisterSchedules(); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	go container.Breakers.Run(loopCtx)
	go container.Monitor.Run(loopCtx)
	go container.MarketWatch.Run(loopCtx)
	if container.Watcher != nil {
		go container.Watcher.Run(loopCtx)
	}
	go func() {
		if err := container.ListenRankings(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Ranking subscription ended")
		}
	}()

	container.Workers.Start(context.Background())
	container.Scheduler.Start()

	gatewayErr := make(chan error, 1)
	go func() {
		if err := container.Gateway.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gatewayErr <- err
		}
	}()

	log.Info().Int("port", cfg.Gateway.Port).Msg("Execution bot started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-gatewayErr:
		log.Error().Err(err).Msg("Gateway server failed")
		runErr = fmt.Errorf("gateway server: %w", err)
	}

	container.Scheduler.Stop()
	container.Workers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Gateway.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Gateway forced to shutdown")
	}

	stopLoops()
	log.Info().Msg("Execution bot stopped")
	return runErr
}

// restoreIfEmpty pulls the latest backup when backups are on and no
// audit store exists on disk, so a replaced host resumes its audit trail
// instead of starting a new one.
func restoreIfEmpty(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if !cfg.Backup.Enabled {
		return nil
	}

	auditPath := filepath.Join(cfg.DataDir, di.AuditDBFile)
	if _, err := os.Stat(auditPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking audit store: %w", err)
	}

	log.Warn().Str("path", auditPath).Msg("No audit store on disk, restoring from backup")

	restorer, err := reliability.NewRestorer(ctx, cfg.Backup, log)
	if err != nil {
		return fmt.Errorf("initializing restorer: %w", err)
	}
	manifest, err := restorer.RestoreLatest(ctx, cfg.DataDir)
	if errors.Is(err, reliability.ErrNoBackups) {
		log.Info().Msg("Bucket holds no backups, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restoring stores: %w", err)
	}

	log.Info().
		Time("backup_time", manifest.Timestamp).
		Str("backup_version", manifest.BotVersion).
		Int("stores", len(manifest.Stores)).
		Msg("Stores restored from backup")
	return nil
}
