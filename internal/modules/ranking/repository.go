package ranking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// Row is one trader_rankings record. A snapshot batch shares one
// calculation_timestamp; wallets that were evaluated but not published
// carry rank 0.
type Row struct {
	RankingID            string          `db:"ranking_id"`
	CalculationTimestamp time.Time       `db:"calculation_timestamp"`
	PeriodDays           int             `db:"period_days"`
	AlgorithmVersion     string          `db:"algorithm_version"`
	WalletAddress        string          `db:"wallet_address"`
	Rank                 int             `db:"rank"`
	TrustScore           float64         `db:"trust_score"`
	PerformanceMetrics   json.RawMessage `db:"performance_metrics"`
	EligibilityCheck     json.RawMessage `db:"eligibility_check"`
	MinTrustScoreTier    sql.NullString  `db:"min_trust_score_tier"`
	IsEligible           bool            `db:"is_eligible"`
	CreatedAt            time.Time       `db:"created_at"`
}

// Repository owns trader_rankings.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository builds the ranking repository.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "ranking").Logger(),
	}
}

// SaveSnapshot appends one row per evaluated wallet in a single
// transaction. Published wallets keep their rank; the rest record their
// score and gate outcome with rank 0.
func (r *Repository) SaveSnapshot(ctx context.Context, snapshot *domain.RankingSnapshot, evaluated []*domain.TrustScoreResult) error {
	ranks := make(map[string]int, len(snapshot.Traders))
	for _, trader := range snapshot.Traders {
		ranks[trader.WalletAddress] = trader.Rank
	}

	const query = `
		INSERT INTO trader_rankings (
			ranking_id, calculation_timestamp, period_days, algorithm_version,
			wallet_address, rank, trust_score, performance_metrics,
			eligibility_check, min_trust_score_tier, is_eligible
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, result := range evaluated {
		if result == nil {
			continue
		}

		score := result.TrustScore.InexactFloat64()

		var metricsJSON json.RawMessage
		if result.Metrics != nil {
			metricsJSON, err = json.Marshal(result.Metrics)
			if err != nil {
				return fmt.Errorf("encoding metrics for %s: %w", result.WalletAddress, err)
			}
		}
		eligibilityJSON, err := json.Marshal(result.Eligibility)
		if err != nil {
			return fmt.Errorf("encoding eligibility for %s: %w", result.WalletAddress, err)
		}

		var tier sql.NullString
		if t := domain.TierForTrustScore(score); t != "" {
			tier = sql.NullString{String: string(t), Valid: true}
		}

		_, err = tx.ExecContext(ctx, query,
			uuid.New().String(),
			snapshot.GeneratedAt,
			snapshot.PeriodDays,
			snapshot.AlgorithmVersion,
			result.WalletAddress,
			ranks[result.WalletAddress],
			score,
			metricsJSON,
			eligibilityJSON,
			tier,
			result.Eligibility.Eligible(),
		)
		if err != nil {
			return fmt.Errorf("inserting ranking row for %s: %w", result.WalletAddress, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	r.log.Info().
		Str("snapshot_id", snapshot.SnapshotID).
		Int("period_days", snapshot.PeriodDays).
		Int("published", len(snapshot.Traders)).
		Int("evaluated", len(evaluated)).
		Msg("ranking snapshot persisted")

	return nil
}

// LatestBatch loads every row of the most recent snapshot for the
// period, published ranks first.
func (r *Repository) LatestBatch(ctx context.Context, periodDays int) ([]Row, error) {
	const query = `
		SELECT * FROM trader_rankings
		WHERE period_days = $1
		  AND calculation_timestamp = (
			SELECT MAX(calculation_timestamp) FROM trader_rankings WHERE period_days = $1)
		ORDER BY rank = 0, rank, wallet_address`

	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, periodDays); err != nil {
		return nil, fmt.Errorf("loading latest ranking batch: %w", err)
	}
	return rows, nil
}

// WalletHistory lists a wallet's published ranks over time, newest first.
func (r *Repository) WalletHistory(ctx context.Context, wallet string, limit int) ([]Row, error) {
	const query = `
		SELECT * FROM trader_rankings
		WHERE wallet_address = $1 AND rank >= 1
		ORDER BY calculation_timestamp DESC
		LIMIT $2`

	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, wallet, limit); err != nil {
		return nil, fmt.Errorf("loading ranking history for %s: %w", wallet, err)
	}
	return rows, nil
}
