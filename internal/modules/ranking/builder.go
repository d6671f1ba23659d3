// Package ranking turns scored wallets into published leaderboard
// snapshots and persists their history.
package ranking

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/trustscore"
)

// BuildParams selects and sizes one snapshot.
type BuildParams struct {
	PeriodDays    int
	MinTrustScore float64
	Limit         int
}

// Build assembles an immutable snapshot from a scored wallet set: keep
// eligible wallets at or above the score cut, order best-first (ties by
// wallet), rank from 1, truncate. Criteria and weights ride inline so
// consumers never reconstruct them from code.
func Build(results []*domain.TrustScoreResult, criteria domain.EligibilityCriteria, params BuildParams) *domain.RankingSnapshot {
	cut := decimal.NewFromFloat(params.MinTrustScore)

	qualified := make([]*domain.TrustScoreResult, 0, len(results))
	eligible := 0
	for _, result := range results {
		if result == nil || !result.Eligibility.Eligible() {
			continue
		}
		eligible++
		if result.TrustScore.GreaterThanOrEqual(cut) {
			qualified = append(qualified, result)
		}
	}

	trustscore.SortByScore(qualified)
	if params.Limit > 0 && len(qualified) > params.Limit {
		qualified = qualified[:params.Limit]
	}

	traders := make([]domain.RankedTrader, len(qualified))
	for i, result := range qualified {
		traders[i] = rankedTrader(i+1, result)
	}

	return &domain.RankingSnapshot{
		SnapshotID:          uuid.New().String(),
		GeneratedAt:         time.Now().UTC(),
		PeriodDays:          params.PeriodDays,
		AlgorithmVersion:    trustscore.AlgorithmVersion,
		MinTrustScore:       params.MinTrustScore,
		Traders:             traders,
		EligibilityCriteria: criteria,
		ScoringWeights:      trustscore.Weights(),
		EvaluatedWallets:    len(results),
		EligibleWallets:     eligible,
	}
}

// rankedTrader flattens one scored result into the published wire shape.
func rankedTrader(rank int, result *domain.TrustScoreResult) domain.RankedTrader {
	trader := domain.RankedTrader{
		Rank:          rank,
		WalletAddress: result.WalletAddress,
		TrustScore:    result.TrustScore.InexactFloat64(),
		PerformanceBreakdown: domain.PerformanceBreakdown{
			PerformanceScore: result.PerformanceScore.InexactFloat64(),
			RiskPenalty:      result.RiskPenalty.InexactFloat64(),
		},
		Eligibility: result.Eligibility,
	}
	if m := result.Metrics; m != nil {
		trader.Metrics = domain.RankedTraderMetrics{
			NetROIPercent:          m.NetROIPercent.InexactFloat64(),
			SharpeRatio:            m.SharpeRatio.InexactFloat64(),
			MaximumDrawdownPercent: m.MaximumDrawdownPercent.InexactFloat64(),
			TotalTrades:            m.TotalTrades,
			WinLossRatio:           m.WinLossRatio.InexactFloat64(),
			TotalVolumeUSD:         m.TotalVolumeUSD.InexactFloat64(),
			TotalProfitUSD:         m.TotalProfitUSD.InexactFloat64(),
		}
	}
	return trader
}
