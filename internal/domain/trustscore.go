package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EligibilityStatus enumerates the outcomes of the eligibility filter.
// Checks run in a fixed order; the first failure is the reported status.
type EligibilityStatus string

const (
	EligibilityEligible            EligibilityStatus = "eligible"
	EligibilityNoData              EligibilityStatus = "no_data"
	EligibilityInsufficientHistory EligibilityStatus = "insufficient_history"
	EligibilityInsufficientTrades  EligibilityStatus = "insufficient_trades"
	EligibilityExtremeROISpike     EligibilityStatus = "extreme_roi_spike"
	EligibilityCalculationError    EligibilityStatus = "calculation_error"
)

// EligibilityResult carries the status plus the observed values that
// produced it.
type EligibilityResult struct {
	Status          EligibilityStatus `json:"status"`
	Reason          string            `json:"reason,omitempty"`
	TradeCount      int               `json:"trade_count"`
	TradingSpanDays int               `json:"trading_span_days"`
}

// Eligible reports whether the wallet passed every gate.
func (r EligibilityResult) Eligible() bool {
	return r.Status == EligibilityEligible
}

// NormalizedMetrics is the cohort-relative triple used by the scoring
// formula. All components are clamped to [0, 1].
type NormalizedMetrics struct {
	Sharpe   decimal.Decimal `json:"sharpe"`
	ROI      decimal.Decimal `json:"roi"`
	Drawdown decimal.Decimal `json:"drawdown"` // inverted: smaller drawdown scores higher
}

// TrustScoreResult is the scored outcome for one wallet against a cohort.
// Deterministic given identical cohort inputs.
type TrustScoreResult struct {
	WalletAddress    string              `json:"wallet_address"`
	TrustScore       decimal.Decimal     `json:"trust_score"` // [0, 100]
	Eligibility      EligibilityResult   `json:"eligibility"`
	Normalized       *NormalizedMetrics  `json:"normalized,omitempty"`
	PerformanceScore decimal.Decimal     `json:"performance_score"`
	RiskPenalty      decimal.Decimal     `json:"risk_penalty"`
	Metrics          *PerformanceMetrics `json:"metrics,omitempty"`
	CalculatedAt     time.Time           `json:"calculated_at"`
}

// EligibilityCriteria is published inline with every ranking snapshot so
// consumers never reconstruct thresholds from code paths.
type EligibilityCriteria struct {
	MinTrades            int     `json:"min_trades"`
	MinHistoryDays       int     `json:"min_history_days"`
	MaxDailyROIMagnitude float64 `json:"max_daily_roi_magnitude"`
}

// ScoringWeights is published inline with every ranking snapshot.
type ScoringWeights struct {
	Sharpe          float64 `json:"sharpe"`
	ROI             float64 `json:"roi"`
	DrawdownPenalty float64 `json:"drawdown_penalty"`
}
