package server

import (
	"fmt"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/ingestion"
)

// Wallet-list ceilings per endpoint.
const (
	maxIngestionWallets   = 100
	maxPortfolioWallets   = 50
	maxBatchWallets       = 50
	maxLeaderboardWallets = 500
	maxLeaderboardLimit   = 500
)

// validationError carries a 400-mappable message.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalidf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// validateWallets enforces count bounds and address shape.
func validateWallets(wallets []string, min, max int) error {
	if len(wallets) < min {
		return invalidf("wallet_addresses requires at least %d entries", min)
	}
	if len(wallets) > max {
		return invalidf("wallet_addresses exceeds the maximum of %d entries", max)
	}
	for _, wallet := range wallets {
		if !domain.ValidWalletAddress(wallet) {
			return invalidf("invalid wallet address: %s", wallet)
		}
	}
	return nil
}

// parseEndDate resolves the optional end_date, defaulting to now.
func parseEndDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, invalidf("end_date must be RFC 3339, got %q", raw)
	}
	return ts.UTC(), nil
}

// ManualIngestionRequest triggers an out-of-schedule ingestion pass.
type ManualIngestionRequest struct {
	WalletAddresses []string `json:"wallet_addresses"`
	LookbackHours   int      `json:"lookback_hours,omitempty"`
}

func (r *ManualIngestionRequest) Validate() error {
	if err := validateWallets(r.WalletAddresses, 1, maxIngestionWallets); err != nil {
		return err
	}
	if r.LookbackHours < 0 {
		return invalidf("lookback_hours must not be negative")
	}
	return nil
}

// ManualIngestionResponse reports per-wallet ingestion outcomes.
type ManualIngestionResponse struct {
	Success          bool                               `json:"success"`
	ProcessedWallets int                                `json:"processed_wallets"`
	Results          []*ingestion.WalletIngestionStatus `json:"results"`
}

// PerformanceRequest computes one wallet's rolling-window metrics.
type PerformanceRequest struct {
	WalletAddresses []string `json:"wallet_addresses"`
	EndDate         string   `json:"end_date,omitempty"`
}

func (r *PerformanceRequest) Validate() error {
	if len(r.WalletAddresses) != 1 {
		return invalidf("wallet_addresses requires exactly 1 entry")
	}
	return validateWallets(r.WalletAddresses, 1, 1)
}

// PortfolioRequest aggregates metrics across a wallet set.
type PortfolioRequest struct {
	WalletAddresses []string `json:"wallet_addresses"`
	EndDate         string   `json:"end_date,omitempty"`
}

func (r *PortfolioRequest) Validate() error {
	return validateWallets(r.WalletAddresses, 1, maxPortfolioWallets)
}

// PortfolioWallet is one wallet's slice of the aggregate response.
type PortfolioWallet struct {
	WalletAddress string                     `json:"wallet_address"`
	Metrics       *domain.PerformanceMetrics `json:"metrics,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// PortfolioSummary aggregates the set's totals. ROI is recomputed from
// the summed flows, not averaged across wallets.
type PortfolioSummary struct {
	Wallets         int     `json:"wallets"`
	WalletsWithData int     `json:"wallets_with_data"`
	TotalTrades     int     `json:"total_trades"`
	TotalVolumeUSD  float64 `json:"total_volume_usd"`
	TotalProfitUSD  float64 `json:"total_profit_usd"`
	NetROIPercent   float64 `json:"net_roi_percent"`
	PeriodDays      int     `json:"period_days"`
}

// PortfolioResponse is the /calculation/portfolio payload.
type PortfolioResponse struct {
	Summary PortfolioSummary  `json:"summary"`
	Results []PortfolioWallet `json:"results"`
}

// TrustScoreRequest scores one wallet, optionally against benchmarks.
type TrustScoreRequest struct {
	WalletAddresses  []string `json:"wallet_addresses"`
	BenchmarkWallets []string `json:"benchmark_wallets,omitempty"`
	EndDate          string   `json:"end_date,omitempty"`
}

func (r *TrustScoreRequest) Validate() error {
	if len(r.WalletAddresses) != 1 {
		return invalidf("wallet_addresses requires exactly 1 entry")
	}
	if err := validateWallets(r.WalletAddresses, 1, 1); err != nil {
		return err
	}
	if len(r.BenchmarkWallets) > maxLeaderboardWallets {
		return invalidf("benchmark_wallets exceeds the maximum of %d entries", maxLeaderboardWallets)
	}
	for _, wallet := range r.BenchmarkWallets {
		if !domain.ValidWalletAddress(wallet) {
			return invalidf("invalid benchmark wallet: %s", wallet)
		}
	}
	return nil
}

// ScoringBatchRequest scores a wallet set as one cohort.
type ScoringBatchRequest struct {
	WalletAddresses []string `json:"wallet_addresses"`
	EndDate         string   `json:"end_date,omitempty"`
}

func (r *ScoringBatchRequest) Validate() error {
	return validateWallets(r.WalletAddresses, 1, maxBatchWallets)
}

// ScoringBatchSummary tallies gate outcomes for a batch.
type ScoringBatchSummary struct {
	Wallets    int            `json:"wallets"`
	Eligible   int            `json:"eligible"`
	Ineligible map[string]int `json:"ineligible_by_reason,omitempty"`
}

// ScoringBatchResponse is the /scoring/batch payload.
type ScoringBatchResponse struct {
	Results []*domain.TrustScoreResult `json:"results"`
	Summary ScoringBatchSummary        `json:"summary"`
}

// LeaderboardRequest scores and ranks an ad-hoc wallet set.
type LeaderboardRequest struct {
	WalletAddresses []string `json:"wallet_addresses"`
	Limit           int      `json:"limit,omitempty"`
	MinTrustScore   float64  `json:"min_trust_score"`
	EndDate         string   `json:"end_date,omitempty"`
}

func (r *LeaderboardRequest) Validate() error {
	if err := validateWallets(r.WalletAddresses, 1, maxLeaderboardWallets); err != nil {
		return err
	}
	if r.Limit < 0 || r.Limit > maxLeaderboardLimit {
		return invalidf("limit must be between 0 and %d", maxLeaderboardLimit)
	}
	if r.MinTrustScore < 0 || r.MinTrustScore > 100 {
		return invalidf("min_trust_score must be between 0 and 100")
	}
	return nil
}

// RankedTradersResponse is the /internal/ranked-traders payload consumed
// by the execution bot.
type RankedTradersResponse struct {
	Status string                `json:"status"`
	Data   []domain.RankedTrader `json:"data"`
	Meta   RankedTradersMeta     `json:"meta"`
}

// RankedTradersMeta carries the snapshot metadata the bot must read
// instead of reconstructing from code.
type RankedTradersMeta struct {
	SnapshotID          string                     `json:"snapshot_id"`
	GeneratedAt         time.Time                  `json:"generated_at"`
	PeriodDays          int                        `json:"period_days"`
	AlgorithmVersion    string                     `json:"algorithm_version"`
	MinTrustScore       float64                    `json:"min_trust_score"`
	EligibilityCriteria domain.EligibilityCriteria `json:"eligibility_criteria"`
	ScoringWeights      domain.ScoringWeights      `json:"scoring_weights"`
	EvaluatedWallets    int                        `json:"evaluated_wallets"`
	EligibleWallets     int                        `json:"eligible_wallets"`
}
