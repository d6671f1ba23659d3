// Package traders maintains the tracked-trader profile set.
package traders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Profile is one tracked wallet's bookkeeping row.
type Profile struct {
	TraderID          string     `db:"trader_id" json:"trader_id"`
	WalletAddress     string     `db:"wallet_address" json:"wallet_address"`
	FirstSeen         *time.Time `db:"first_seen" json:"first_seen,omitempty"`
	LastActivity      *time.Time `db:"last_activity" json:"last_activity,omitempty"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	TotalTrades       int        `db:"total_trades" json:"total_trades"`
	TotalVolumeSOL    float64    `db:"total_volume_sol" json:"total_volume_sol"`
	CurrentTrustScore *float64   `db:"current_trust_score" json:"current_trust_score,omitempty"`
	PerformanceRank   *int       `db:"performance_rank" json:"performance_rank,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Repository owns trader_profiles.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository builds the profile repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "traders").Logger(),
	}
}

// ActiveWallets lists wallets flagged for ingestion and scoring.
func (r *Repository) ActiveWallets(ctx context.Context) ([]string, error) {
	var wallets []string
	err := r.db.SelectContext(ctx, &wallets,
		`SELECT wallet_address FROM trader_profiles WHERE is_active ORDER BY wallet_address`)
	if err != nil {
		return nil, fmt.Errorf("listing active wallets: %w", err)
	}
	return wallets, nil
}

// ByWallet fetches one profile, nil when untracked.
func (r *Repository) ByWallet(ctx context.Context, wallet string) (*Profile, error) {
	var profile Profile
	err := r.db.GetContext(ctx, &profile,
		`SELECT * FROM trader_profiles WHERE wallet_address = $1`, wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", wallet, err)
	}
	return &profile, nil
}

// UpsertCandidate registers a discovered wallet, keeping the earliest
// first_seen across repeat discoveries.
func (r *Repository) UpsertCandidate(ctx context.Context, wallet string, seenAt time.Time) error {
	const query = `
		INSERT INTO trader_profiles (trader_id, wallet_address, first_seen, last_activity)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (wallet_address) DO UPDATE
		SET last_activity = GREATEST(trader_profiles.last_activity, EXCLUDED.last_activity),
		    updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, uuid.New().String(), wallet, seenAt); err != nil {
		return fmt.Errorf("upserting candidate %s: %w", wallet, err)
	}
	return nil
}

// TouchActivity advances a wallet's activity cursor after ingestion.
func (r *Repository) TouchActivity(ctx context.Context, wallet string, lastActivity time.Time, tradeDelta int) error {
	const query = `
		UPDATE trader_profiles
		SET last_activity = GREATEST(COALESCE(last_activity, $2), $2),
		    total_trades = total_trades + $3,
		    updated_at = NOW()
		WHERE wallet_address = $1`

	if _, err := r.db.ExecContext(ctx, query, wallet, lastActivity, tradeDelta); err != nil {
		return fmt.Errorf("touching activity for %s: %w", wallet, err)
	}
	return nil
}

// RecordScore stores the latest trust score and rank after a scoring
// cycle. Wallets absent from the ranking get their rank cleared.
func (r *Repository) RecordScore(ctx context.Context, wallet string, trustScore float64, rank *int) error {
	const query = `
		UPDATE trader_profiles
		SET current_trust_score = $2, performance_rank = $3, updated_at = NOW()
		WHERE wallet_address = $1`

	if _, err := r.db.ExecContext(ctx, query, wallet, trustScore, rank); err != nil {
		return fmt.Errorf("recording score for %s: %w", wallet, err)
	}
	return nil
}

// Deactivate removes a wallet from the tracked set without deleting its
// history.
func (r *Repository) Deactivate(ctx context.Context, wallet string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE trader_profiles SET is_active = FALSE, updated_at = NOW() WHERE wallet_address = $1`, wallet)
	if err != nil {
		return fmt.Errorf("deactivating %s: %w", wallet, err)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("wallet %s is not tracked", wallet)
	}
	return nil
}

// DeactivateStale flags wallets with no activity inside the cutoff. The
// scoring pipeline skips inactive wallets entirely.
func (r *Repository) DeactivateStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE trader_profiles SET is_active = FALSE, updated_at = NOW()
		 WHERE is_active AND (last_activity IS NULL OR last_activity < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivating stale profiles: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if rows > 0 {
		r.log.Info().Int64("count", rows).Time("cutoff", cutoff).Msg("stale traders deactivated")
	}
	return int(rows), nil
}
