package trustscore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

func testScoringEngine() *Engine {
	return NewEngine(DefaultCriteria, logger.Nop())
}

// tradeRecord builds a priced trade at ts with the given profit and
// invested volume.
func tradeRecord(ts time.Time, profitUSD, volumeUSD string) domain.TradeRecord {
	profit := decimal.RequireFromString(profitUSD)
	volume := decimal.RequireFromString(volumeUSD)

	return domain.TradeRecord{
		SwapRecord: domain.SwapRecord{
			Wallet:    "GateWallet1111111111111111111111111111111111",
			BlockTime: ts,
			Status:    domain.SwapStatusSuccess,
		},
		TokenInUSD:   volume,
		TokenOutUSD:  volume.Add(profit),
		NetUSDChange: profit,
		TotalCostUSD: volume,
		NetProfitUSD: profit,
	}
}

// tradeSeries spreads n small trades evenly across spanDays, first at the
// base time and last exactly spanDays later.
func tradeSeries(n, spanDays int) []domain.TradeRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	total := spanDays * 24 * 60

	trades := make([]domain.TradeRecord, n)
	for i := range trades {
		offset := 0
		if n > 1 {
			offset = total * i / (n - 1)
		}
		trades[i] = tradeRecord(base.Add(time.Duration(offset)*time.Minute), "1", "100")
	}
	return trades
}

func metricsFor(wallet, sharpe, roi, drawdown string) *domain.PerformanceMetrics {
	return &domain.PerformanceMetrics{
		WalletAddress:          wallet,
		SharpeRatio:            decimal.RequireFromString(sharpe),
		NetROIPercent:          decimal.RequireFromString(roi),
		MaximumDrawdownPercent: decimal.RequireFromString(drawdown),
	}
}

func TestEligibilityNoData(t *testing.T) {
	result := testScoringEngine().CheckEligibility(0, nil, nil)
	assert.Equal(t, domain.EligibilityNoData, result.Status)
	assert.False(t, result.Eligible())
}

func TestEligibilityUnpricedHistoryFailsSpanGate(t *testing.T) {
	// Swaps exist but none survived pricing: the wallet is past the
	// no-data gate yet has zero trading span.
	result := testScoringEngine().CheckEligibility(12, nil, nil)
	assert.Equal(t, domain.EligibilityInsufficientHistory, result.Status)
	assert.Equal(t, 0, result.TradingSpanDays)
}

func TestEligibilityHistoryBoundary(t *testing.T) {
	short := tradeSeries(60, 89)
	result := testScoringEngine().CheckEligibility(len(short), short, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityInsufficientHistory, result.Status)
	assert.Equal(t, 89, result.TradingSpanDays)

	exact := tradeSeries(60, 90)
	result = testScoringEngine().CheckEligibility(len(exact), exact, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityEligible, result.Status)
	assert.Equal(t, 90, result.TradingSpanDays)
}

func TestEligibilityTradeCountBoundary(t *testing.T) {
	few := tradeSeries(49, 95)
	result := testScoringEngine().CheckEligibility(len(few), few, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityInsufficientTrades, result.Status)
	assert.Equal(t, 49, result.TradeCount)

	enough := tradeSeries(50, 95)
	result = testScoringEngine().CheckEligibility(len(enough), enough, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityEligible, result.Status)
}

func TestEligibilityDailyROISpike(t *testing.T) {
	// 55 trades over 96 days; the final day swings 60% of its volume.
	trades := tradeSeries(54, 95)
	hot := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 96)
	trades = append(trades, tradeRecord(hot.Add(12*time.Hour), "60", "100"))

	result := testScoringEngine().CheckEligibility(len(trades), trades, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityExtremeROISpike, result.Status)
	assert.Contains(t, result.Reason, hot.Format("2006-01-02"))
}

func TestEligibilityDailyROIBoundary(t *testing.T) {
	base := tradeSeries(54, 95)
	hot := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, 96)

	// Exactly 50% of the day's volume is allowed.
	atLimit := append(append([]domain.TradeRecord{}, base...), tradeRecord(hot, "50", "100"))
	result := testScoringEngine().CheckEligibility(len(atLimit), atLimit, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityEligible, result.Status)

	// The smallest excess trips the gate, in either direction.
	over := append(append([]domain.TradeRecord{}, base...), tradeRecord(hot, "50.01", "100"))
	result = testScoringEngine().CheckEligibility(len(over), over, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityExtremeROISpike, result.Status)

	under := append(append([]domain.TradeRecord{}, base...), tradeRecord(hot, "-50.01", "100"))
	result = testScoringEngine().CheckEligibility(len(under), under, &domain.PerformanceMetrics{})
	assert.Equal(t, domain.EligibilityExtremeROISpike, result.Status)
}

func TestEligibilityNilMetrics(t *testing.T) {
	trades := tradeSeries(60, 95)
	result := testScoringEngine().CheckEligibility(len(trades), trades, nil)
	assert.Equal(t, domain.EligibilityCalculationError, result.Status)
}

func TestScoreLoneCohort(t *testing.T) {
	// A single-wallet cohort is degenerate on every dimension, so each
	// normalizes to 1: performance 0.40 + 0.25, penalty 0.
	m := metricsFor("LoneWallet111111111111111111111111111111111", "1.0", "10", "5")

	result := testScoringEngine().Score(m, []*domain.PerformanceMetrics{m})
	require.NotNil(t, result)

	assert.True(t, result.TrustScore.Equal(decimal.RequireFromString("65")), "score %s", result.TrustScore)
	assert.True(t, result.PerformanceScore.Equal(decimal.RequireFromString("0.65")))
	assert.True(t, result.RiskPenalty.IsZero())
}

func TestScoreEmptyCohortFallsBackToSelf(t *testing.T) {
	m := metricsFor("LoneWallet111111111111111111111111111111111", "0.3", "-12", "60")

	result := testScoringEngine().Score(m, nil)
	assert.True(t, result.TrustScore.Equal(decimal.RequireFromString("65")), "score %s", result.TrustScore)
}

func TestScoreTwoWalletCohort(t *testing.T) {
	best := metricsFor("BestWallet111111111111111111111111111111111", "2.0", "30", "10")
	worst := metricsFor("WorstWallet11111111111111111111111111111111", "0.5", "5", "40")
	cohort := []*domain.PerformanceMetrics{best, worst}

	e := testScoringEngine()

	top := e.Score(best, cohort)
	assert.True(t, top.TrustScore.Equal(decimal.RequireFromString("65")), "best %s", top.TrustScore)
	assert.True(t, top.Normalized.Sharpe.Equal(decimal.NewFromInt(1)))
	assert.True(t, top.Normalized.Drawdown.Equal(decimal.NewFromInt(1)))

	bottom := e.Score(worst, cohort)
	assert.True(t, bottom.TrustScore.IsZero(), "worst %s", bottom.TrustScore)
	assert.True(t, bottom.Normalized.Sharpe.IsZero())
	assert.True(t, bottom.Normalized.Drawdown.IsZero())
	assert.True(t, bottom.RiskPenalty.Equal(decimal.RequireFromString("0.35")))
}

func TestScoreMidCohortOrdering(t *testing.T) {
	best := metricsFor("BestWallet111111111111111111111111111111111", "2.0", "30", "10")
	mid := metricsFor("MidWallet1111111111111111111111111111111111", "1.25", "17.5", "25")
	worst := metricsFor("WorstWallet11111111111111111111111111111111", "0.5", "5", "40")
	cohort := []*domain.PerformanceMetrics{best, mid, worst}

	e := testScoringEngine()
	top := e.Score(best, cohort)
	middle := e.Score(mid, cohort)
	bottom := e.Score(worst, cohort)

	assert.True(t, top.TrustScore.GreaterThan(middle.TrustScore))
	assert.True(t, middle.TrustScore.GreaterThan(bottom.TrustScore))

	// Mid sits exactly halfway on every dimension: 0.5*0.65 - 0.5*0.35.
	assert.True(t, middle.TrustScore.Equal(decimal.RequireFromString("15")), "mid %s", middle.TrustScore)
}

func TestNormalizeClampsOutsideCohort(t *testing.T) {
	cohort := []*domain.PerformanceMetrics{
		metricsFor("A", "1.0", "10", "10"),
		metricsFor("B", "2.0", "20", "20"),
	}

	above := metricsFor("C", "3.0", "30", "5")
	n := Normalize(above, cohort)
	assert.True(t, n.Sharpe.Equal(decimal.NewFromInt(1)))
	assert.True(t, n.ROI.Equal(decimal.NewFromInt(1)))
	assert.True(t, n.Drawdown.Equal(decimal.NewFromInt(1)))

	below := metricsFor("D", "0.5", "-5", "50")
	n = Normalize(below, cohort)
	assert.True(t, n.Sharpe.IsZero())
	assert.True(t, n.ROI.IsZero())
	assert.True(t, n.Drawdown.IsZero())
}

func TestNormalizeRangeFloor(t *testing.T) {
	// A cohort spread thinner than the floor is scaled against the floor
	// instead, keeping sub-noise differences from saturating.
	low := metricsFor("A", "1.0000", "10", "10")
	high := metricsFor("B", "1.0005", "10", "10")

	n := Normalize(high, []*domain.PerformanceMetrics{low, high})
	assert.True(t, n.Sharpe.Equal(decimal.RequireFromString("0.5")), "sharpe %s", n.Sharpe)
}

func TestScoreDeterministic(t *testing.T) {
	cohort := []*domain.PerformanceMetrics{
		metricsFor("A", "1.7", "22.31", "14.5"),
		metricsFor("B", "0.9", "8.04", "31.2"),
		metricsFor("C", "-0.2", "-3.77", "48.9"),
	}

	e := testScoringEngine()
	first := e.Score(cohort[1], cohort)
	for i := 0; i < 10; i++ {
		again := e.Score(cohort[1], cohort)
		assert.True(t, first.TrustScore.Equal(again.TrustScore))
		assert.True(t, first.PerformanceScore.Equal(again.PerformanceScore))
		assert.True(t, first.RiskPenalty.Equal(again.RiskPenalty))
	}
}

func TestScoreNeverNegative(t *testing.T) {
	cohort := []*domain.PerformanceMetrics{
		metricsFor("A", "2.0", "30", "5"),
		metricsFor("B", "-1.0", "-20", "80"),
	}

	bottom := testScoringEngine().Score(cohort[1], cohort)
	assert.True(t, bottom.TrustScore.IsZero())
	assert.False(t, bottom.TrustScore.IsNegative())
}
