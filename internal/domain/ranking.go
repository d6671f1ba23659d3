package domain

import "time"

// PerformanceBreakdown is the wire shape of the score decomposition.
type PerformanceBreakdown struct {
	PerformanceScore float64 `json:"performance_score"`
	RiskPenalty      float64 `json:"risk_penalty"`
}

// RankedTraderMetrics is the metrics digest published per ranked trader.
type RankedTraderMetrics struct {
	NetROIPercent          float64 `json:"net_roi_percent"`
	SharpeRatio            float64 `json:"sharpe_ratio"`
	MaximumDrawdownPercent float64 `json:"maximum_drawdown_percent"`
	TotalTrades            int     `json:"total_trades"`
	WinLossRatio           float64 `json:"win_loss_ratio"`
	TotalVolumeUSD         float64 `json:"total_volume_usd"`
	TotalProfitUSD         float64 `json:"total_profit_usd"`
}

// RankedTrader is one row of a published ranking snapshot.
type RankedTrader struct {
	Rank                 int                  `json:"rank"`
	WalletAddress        string               `json:"wallet_address"`
	TrustScore           float64              `json:"trust_score"`
	PerformanceBreakdown PerformanceBreakdown `json:"performance_breakdown"`
	Metrics              RankedTraderMetrics  `json:"metrics"`
	Eligibility          EligibilityResult    `json:"eligibility"`
}

// RankingSnapshot is an immutable, timestamped publication of the ordered
// trader roster. Snapshots are append-only; consumers read the latest per
// period.
type RankingSnapshot struct {
	SnapshotID           string              `json:"snapshot_id"`
	GeneratedAt          time.Time           `json:"generated_at"`
	PeriodDays           int                 `json:"period_days"`
	AlgorithmVersion     string              `json:"algorithm_version"`
	MinTrustScore        float64             `json:"min_trust_score"`
	Traders              []RankedTrader      `json:"traders"`
	EligibilityCriteria  EligibilityCriteria `json:"eligibility_criteria"`
	ScoringWeights       ScoringWeights      `json:"scoring_weights"`
	EvaluatedWallets     int                 `json:"evaluated_wallets"`
	EligibleWallets      int                 `json:"eligible_wallets"`
}
