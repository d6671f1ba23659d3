package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// CalculationVersion tags stored metric rows with the formula revision
// that produced them.
const CalculationVersion = "v1.2"

// Repository persists computed performance metrics.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository builds a Repository on the shared Postgres handle.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "performance_metrics").Logger(),
	}
}

type metricsRow struct {
	MetricsID              string          `db:"metrics_id"`
	WalletAddress          string          `db:"wallet_address"`
	CalculationDate        time.Time       `db:"calculation_date"`
	PeriodDays             int             `db:"period_days"`
	TotalTrades            int             `db:"total_trades"`
	TotalVolumeUSD         decimal.Decimal `db:"total_volume_usd"`
	TotalProfitUSD         decimal.Decimal `db:"total_profit_usd"`
	NetROIPercent          decimal.Decimal `db:"net_roi_percent"`
	SharpeRatio            decimal.Decimal `db:"sharpe_ratio"`
	MaximumDrawdownPercent decimal.Decimal `db:"maximum_drawdown_percent"`
	Volatility             decimal.Decimal `db:"volatility"`
	WinLossRatio           decimal.Decimal `db:"win_loss_ratio"`
	WinningTrades          int             `db:"winning_trades"`
	LosingTrades           int             `db:"losing_trades"`
	AverageWinUSD          decimal.Decimal `db:"average_win_usd"`
	AverageLossUSD         decimal.Decimal `db:"average_loss_usd"`
	LargestWinUSD          decimal.Decimal `db:"largest_win_usd"`
	LargestLossUSD         decimal.Decimal `db:"largest_loss_usd"`
	PerformanceScore       sql.NullString  `db:"performance_score"`
	RiskPenalty            sql.NullString  `db:"risk_penalty"`
	TrustScore             sql.NullString  `db:"trust_score"`
	DataPoints             int             `db:"data_points"`
	CalculationVersion     string          `db:"calculation_version"`
}

// Save inserts one metrics calculation. Score columns stay NULL until the
// trust-score pass writes them via SaveScored.
func (r *Repository) Save(ctx context.Context, m *domain.PerformanceMetrics) error {
	return r.insert(ctx, m, nil)
}

// SaveScored inserts a metrics calculation together with its scoring
// decomposition.
func (r *Repository) SaveScored(ctx context.Context, m *domain.PerformanceMetrics, score *domain.TrustScoreResult) error {
	return r.insert(ctx, m, score)
}

func (r *Repository) insert(ctx context.Context, m *domain.PerformanceMetrics, score *domain.TrustScoreResult) error {
	const query = `
		INSERT INTO trader_performance_metrics (
			metrics_id, wallet_address, calculation_date, period_days,
			total_trades, total_volume_usd, total_profit_usd,
			net_roi_percent, sharpe_ratio, maximum_drawdown_percent, volatility,
			win_loss_ratio, winning_trades, losing_trades,
			average_win_usd, average_loss_usd, largest_win_usd, largest_loss_usd,
			performance_score, risk_penalty, trust_score,
			data_points, calculation_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)`

	var perfScore, riskPenalty, trustScore any
	if score != nil {
		perfScore = score.PerformanceScore.String()
		riskPenalty = score.RiskPenalty.String()
		trustScore = score.TrustScore.String()
	}

	_, err := r.db.ExecContext(ctx, query,
		uuid.New().String(),
		m.WalletAddress,
		m.CalculatedAt,
		m.PeriodDays,
		m.TotalTrades,
		m.TotalVolumeUSD,
		m.TotalProfitUSD,
		m.NetROIPercent,
		m.SharpeRatio,
		m.MaximumDrawdownPercent,
		m.Volatility,
		m.WinLossRatio,
		m.WinningTrades,
		m.LosingTrades,
		m.AverageWinUSD,
		m.AverageLossUSD,
		m.LargestWinUSD,
		m.LargestLossUSD,
		perfScore,
		riskPenalty,
		trustScore,
		m.DataPoints,
		CalculationVersion,
	)
	if err != nil {
		return fmt.Errorf("inserting metrics for %s: %w", m.WalletAddress, err)
	}
	return nil
}

// Latest returns the most recent stored metrics for a wallet and period,
// or nil when none exist.
func (r *Repository) Latest(ctx context.Context, wallet string, periodDays int) (*domain.PerformanceMetrics, error) {
	const query = `
		SELECT metrics_id, wallet_address, calculation_date, period_days,
		       total_trades, total_volume_usd, total_profit_usd,
		       net_roi_percent, sharpe_ratio, maximum_drawdown_percent, volatility,
		       win_loss_ratio, winning_trades, losing_trades,
		       average_win_usd, average_loss_usd, largest_win_usd, largest_loss_usd,
		       performance_score, risk_penalty, trust_score,
		       data_points, calculation_version
		FROM trader_performance_metrics
		WHERE wallet_address = $1 AND period_days = $2
		ORDER BY calculation_date DESC
		LIMIT 1`

	var row metricsRow
	if err := r.db.GetContext(ctx, &row, query, wallet, periodDays); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading latest metrics for %s: %w", wallet, err)
	}

	m := row.toDomain()
	return &m, nil
}

func (row metricsRow) toDomain() domain.PerformanceMetrics {
	return domain.PerformanceMetrics{
		WalletAddress:          row.WalletAddress,
		PeriodDays:             row.PeriodDays,
		TotalTrades:            row.TotalTrades,
		TotalVolumeUSD:         row.TotalVolumeUSD,
		TotalProfitUSD:         row.TotalProfitUSD,
		NetROIPercent:          row.NetROIPercent,
		MaximumDrawdownPercent: row.MaximumDrawdownPercent,
		SharpeRatio:            row.SharpeRatio,
		Volatility:             row.Volatility,
		WinLossRatio:           row.WinLossRatio,
		WinningTrades:          row.WinningTrades,
		LosingTrades:           row.LosingTrades,
		AverageWinUSD:          row.AverageWinUSD,
		AverageLossUSD:         row.AverageLossUSD,
		LargestWinUSD:          row.LargestWinUSD,
		LargestLossUSD:         row.LargestLossUSD,
		DataPoints:             row.DataPoints,
		CalculatedAt:           row.CalculationDate,
	}
}
