package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Holding is one token position inside a vault.
type Holding struct {
	Mint              string          `json:"mint"`
	Symbol            string          `json:"symbol"`
	Decimals          int             `json:"decimals"`
	Amount            decimal.Decimal `json:"amount"` // token units, decimal-adjusted
	EstimatedUSDValue decimal.Decimal `json:"estimated_usd_value"`
}

// Portfolio is a consistent snapshot of a vault's composition at a recent
// confirmed slot.
type Portfolio struct {
	VaultAddress  string          `json:"vault_address"`
	Slot          uint64          `json:"slot"`
	Holdings      []Holding       `json:"holdings"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Allocation is one target weight of a target portfolio.
type Allocation struct {
	Symbol        string          `json:"symbol"`
	Mint          string          `json:"mint"`
	TargetPercent decimal.Decimal `json:"target_percent"`
}

// TargetPortfolio is the selected leader's allocation applied to one user.
type TargetPortfolio struct {
	SelectedTraderWallet string       `json:"selected_trader_wallet"`
	Rank                 int          `json:"rank"`
	TrustScore           float64      `json:"trust_score"`
	TrustScoreThreshold  float64      `json:"trust_score_threshold"`
	Confidence           float64      `json:"confidence"` // allocation coverage, [0, 100]
	Allocations          []Allocation `json:"allocations"`
	UserID               string       `json:"user_id"`
	UserVaultAddress     string       `json:"user_vault_address"`
	UserRiskProfile      RiskProfile  `json:"user_risk_profile"`
}

// Validate checks that the allocation percentages sum to 100.
func (tp *TargetPortfolio) Validate() error {
	if len(tp.Allocations) == 0 {
		return fmt.Errorf("target portfolio has no allocations")
	}
	sum := decimal.Zero
	for _, a := range tp.Allocations {
		if a.TargetPercent.IsNegative() {
			return fmt.Errorf("allocation %s has negative target percent %s", a.Symbol, a.TargetPercent)
		}
		sum = sum.Add(a.TargetPercent)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("allocation percentages sum to %s, want 100", sum)
	}
	return nil
}

// AssetDiscrepancy is one per-asset row of a portfolio comparison.
type AssetDiscrepancy struct {
	Mint            string          `json:"mint"`
	Symbol          string          `json:"symbol"`
	CurrentPercent  decimal.Decimal `json:"current_percent"`
	TargetPercent   decimal.Decimal `json:"target_percent"`
	CurrentValueUSD decimal.Decimal `json:"current_value_usd"`
	TargetValueUSD  decimal.Decimal `json:"target_value_usd"`
	DeltaValueUSD   decimal.Decimal `json:"delta_value_usd"` // target - current
}

// PortfolioComparison lists the discrepancies between a vault's current
// composition and its target allocation.
type PortfolioComparison struct {
	UserID            string             `json:"user_id"`
	VaultAddress      string             `json:"vault_address"`
	TotalValueUSD     decimal.Decimal    `json:"total_value_usd"`
	Discrepancies     []AssetDiscrepancy `json:"discrepancies"`
	RebalanceRequired bool               `json:"rebalance_required"`
	ComparedAt        time.Time          `json:"compared_at"`
}
