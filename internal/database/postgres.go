package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
)

// PostgresConfig holds the shared analytics database configuration.
type PostgresConfig struct {
	URL             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgres opens the shared Postgres pool used by the analytics tables
// and the user registry.
func NewPostgres(cfg PostgresConfig) (*sqlx.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres URL is empty")
	}

	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// postgresMigrations are applied in order; every statement is idempotent.
var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS trader_profiles (
		trader_id UUID PRIMARY KEY,
		wallet_address VARCHAR(44) NOT NULL UNIQUE,
		first_seen TIMESTAMPTZ,
		last_activity TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		total_trades INTEGER NOT NULL DEFAULT 0,
		total_volume_sol DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_trust_score DOUBLE PRECISION,
		performance_rank INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trader_profiles_score
		ON trader_profiles (current_trust_score DESC) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_trader_profiles_activity
		ON trader_profiles (last_activity, is_active)`,

	`CREATE TABLE IF NOT EXISTS trader_transactions (
		transaction_id UUID PRIMARY KEY,
		wallet_address VARCHAR(44) NOT NULL,
		signature VARCHAR(128) NOT NULL UNIQUE,
		block_time TIMESTAMPTZ NOT NULL,
		slot BIGINT NOT NULL,
		transaction_type TEXT NOT NULL,
		program_id TEXT,
		input_token_mint TEXT NOT NULL,
		output_token_mint TEXT NOT NULL,
		input_amount BIGINT NOT NULL,
		output_amount BIGINT NOT NULL,
		input_decimals INTEGER NOT NULL,
		output_decimals INTEGER NOT NULL,
		input_usd NUMERIC(30, 10),
		output_usd NUMERIC(30, 10),
		net_usd NUMERIC(30, 10),
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		price_data_source TEXT,
		raw_transaction_data JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trader_transactions_wallet_time
		ON trader_transactions (wallet_address, block_time DESC)`,

	`CREATE TABLE IF NOT EXISTS trader_performance_metrics (
		metrics_id UUID PRIMARY KEY,
		wallet_address VARCHAR(44) NOT NULL,
		calculation_date TIMESTAMPTZ NOT NULL,
		period_days INTEGER NOT NULL,
		total_trades INTEGER NOT NULL,
		total_volume_usd NUMERIC(30, 10) NOT NULL,
		total_profit_usd NUMERIC(30, 10) NOT NULL,
		net_roi_percent NUMERIC(20, 10) NOT NULL,
		sharpe_ratio NUMERIC(20, 10) NOT NULL,
		maximum_drawdown_percent NUMERIC(20, 10) NOT NULL,
		volatility NUMERIC(20, 10) NOT NULL,
		win_loss_ratio NUMERIC(20, 10) NOT NULL,
		winning_trades INTEGER NOT NULL,
		losing_trades INTEGER NOT NULL,
		average_win_usd NUMERIC(30, 10) NOT NULL,
		average_loss_usd NUMERIC(30, 10) NOT NULL,
		largest_win_usd NUMERIC(30, 10) NOT NULL,
		largest_loss_usd NUMERIC(30, 10) NOT NULL,
		performance_score NUMERIC(20, 10),
		risk_penalty NUMERIC(20, 10),
		trust_score NUMERIC(20, 10),
		data_points INTEGER NOT NULL,
		calculation_version TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_performance_metrics_wallet_date
		ON trader_performance_metrics (wallet_address, calculation_date DESC)`,

	`CREATE TABLE IF NOT EXISTS trader_rankings (
		ranking_id UUID PRIMARY KEY,
		calculation_timestamp TIMESTAMPTZ NOT NULL,
		period_days INTEGER NOT NULL,
		algorithm_version TEXT NOT NULL,
		wallet_address VARCHAR(44) NOT NULL,
		rank INTEGER NOT NULL,
		trust_score NUMERIC(20, 10) NOT NULL,
		performance_metrics JSONB,
		eligibility_check JSONB,
		min_trust_score_tier TEXT,
		is_eligible BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trader_rankings_snapshot
		ON trader_rankings (period_days, calculation_timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS user_risk_profiles (
		user_id UUID PRIMARY KEY,
		wallet_address VARCHAR(44) NOT NULL,
		vault_address VARCHAR(44) NOT NULL,
		risk_profile TEXT NOT NULL,
		max_position_size_native BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_risk_profiles_active
		ON user_risk_profiles (active)`,
}

// MigratePostgres applies the analytics schema. Statements are idempotent
// and run inside one transaction.
func MigratePostgres(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}

	for i, stmt := range postgresMigrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}
