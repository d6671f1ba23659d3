package main

import (
	"context"
	"fmt"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

// runMigrate applies the shared Postgres schema. Both services read the
// same database, so either binary can run it; the statements are
// idempotent and safe to re-run.
func runMigrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	db, err := database.NewPostgres(database.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	if err := database.MigratePostgres(ctx, db); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Msg("Schema migration applied")
	return nil
}
