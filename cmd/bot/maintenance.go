package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/internal/di"
	"github.com/slipstreamlabs/slipstream/internal/modules/audit"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

// runMigrate applies the shared Postgres schema. The bot only reads the
// user registry from it, but carrying the migration here too means
// either binary can prepare a fresh database.
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

// runVerifyAudit walks the local audit store and recomputes the hash
// chain. Only the SQLite ledger is opened; a broken chain fails the
// command so operators can alert on it.
func runVerifyAudit(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	sdb, err := database.NewSQLite(database.SQLiteConfig{
		Path:    filepath.Join(cfg.DataDir, di.AuditDBFile),
		Profile: database.ProfileLedger,
		Name:    "audit",
	})
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer sdb.Close()

	store, err := audit.NewStore(sdb, log)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	auditor, err := audit.NewLogger(ctx, store, botVersion(), log)
	if err != nil {
		return fmt.Errorf("initializing audit logger: %w", err)
	}

	report, err := auditor.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("verifying audit chain: %w", err)
	}
	if !report.Valid {
		return fmt.Errorf("audit chain broken at entry %s: %s", report.BrokenEntryID, report.Reason)
	}

	log.Info().Int64("entries", report.EntriesChecked).Msg("Audit chain verified")
	return nil
}
