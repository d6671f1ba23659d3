// Package users reads and updates the subscribed-user roster the bot
// trades for.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// profileRow maps the user_risk_profiles columns.
type profileRow struct {
	UserID                string `db:"user_id"`
	WalletAddress         string `db:"wallet_address"`
	VaultAddress          string `db:"vault_address"`
	RiskProfile           string `db:"risk_profile"`
	MaxPositionSizeNative int64  `db:"max_position_size_native"`
	Active                bool   `db:"active"`
}

func (r profileRow) toDomain() domain.UserRiskProfile {
	return domain.UserRiskProfile{
		UserID:                r.UserID,
		WalletAddress:         r.WalletAddress,
		VaultAddress:          r.VaultAddress,
		RiskProfile:           domain.RiskProfile(r.RiskProfile),
		MaxPositionSizeNative: uint64(r.MaxPositionSizeNative),
		Active:                r.Active,
	}
}

const profileColumns = `user_id, wallet_address, vault_address, risk_profile, max_position_size_native, active`

// Repository owns user_risk_profiles.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository builds the user repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "users").Logger(),
	}
}

// ActiveProfiles lists the users currently subscribed to copy trading.
func (r *Repository) ActiveProfiles(ctx context.Context) ([]domain.UserRiskProfile, error) {
	var rows []profileRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+profileColumns+` FROM user_risk_profiles WHERE active ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing active users: %w", err)
	}

	profiles := make([]domain.UserRiskProfile, len(rows))
	for i, row := range rows {
		profiles[i] = row.toDomain()
	}
	return profiles, nil
}

// ByWallet fetches one user's profile, nil when unregistered.
func (r *Repository) ByWallet(ctx context.Context, wallet string) (*domain.UserRiskProfile, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+profileColumns+` FROM user_risk_profiles WHERE wallet_address = $1`, wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", wallet, err)
	}
	profile := row.toDomain()
	return &profile, nil
}

// SetActiveByWallet flips a user's copy-trading subscription.
func (r *Repository) SetActiveByWallet(ctx context.Context, wallet string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_risk_profiles SET active = $2, updated_at = NOW() WHERE wallet_address = $1`,
		wallet, active)
	if err != nil {
		return fmt.Errorf("updating subscription for %s: %w", wallet, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("no user registered for wallet %s", wallet)
	}

	r.log.Info().Str("wallet", wallet).Bool("active", active).Msg("Subscription updated")
	return nil
}

// UpdateRiskProfile changes a user's declared risk appetite and position
// ceiling. The profile must be a known tier.
func (r *Repository) UpdateRiskProfile(ctx context.Context, wallet string, profile domain.RiskProfile, maxPositionNative uint64) error {
	if _, err := profile.TrustScoreThreshold(); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE user_risk_profiles
		 SET risk_profile = $2, max_position_size_native = $3, updated_at = NOW()
		 WHERE wallet_address = $1`,
		wallet, string(profile), int64(maxPositionNative))
	if err != nil {
		return fmt.Errorf("updating risk profile for %s: %w", wallet, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("no user registered for wallet %s", wallet)
	}
	return nil
}
