// Package trustscore turns performance metrics into the 0-100 Trust Score
// published on the trader leaderboard.
package trustscore

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// Scoring weights. These are the published formula; changing them is an
// algorithm version bump.
var (
	weightSharpe   = decimal.RequireFromString("0.40")
	weightROI      = decimal.RequireFromString("0.25")
	weightDrawdown = decimal.RequireFromString("0.35")

	rangeFloor = decimal.RequireFromString("0.001")
	one        = decimal.NewFromInt(1)
	hundred    = decimal.NewFromInt(100)
)

const (
	scorePlaces     = 2
	breakdownPlaces = 4
)

// AlgorithmVersion tags every published ranking with the scoring formula
// that produced it. Bumped whenever weights or gates change.
const AlgorithmVersion = "v1.2"

// DefaultCriteria is the production eligibility gate set.
var DefaultCriteria = domain.EligibilityCriteria{
	MinTrades:            50,
	MinHistoryDays:       90,
	MaxDailyROIMagnitude: 0.5,
}

// Weights reports the scoring weights for snapshot metadata.
func Weights() domain.ScoringWeights {
	return domain.ScoringWeights{Sharpe: 0.40, ROI: 0.25, DrawdownPenalty: 0.35}
}

// Engine applies the eligibility gates and the scoring formula. It is
// pure: all IO happens in the Service.
type Engine struct {
	criteria domain.EligibilityCriteria
	log      zerolog.Logger
}

// NewEngine builds an Engine with the given gate thresholds.
func NewEngine(criteria domain.EligibilityCriteria, log zerolog.Logger) *Engine {
	return &Engine{
		criteria: criteria,
		log:      log.With().Str("component", "trustscore_engine").Logger(),
	}
}

// Criteria reports the gate thresholds for snapshot metadata.
func (e *Engine) Criteria() domain.EligibilityCriteria {
	return e.criteria
}

// CheckEligibility runs the gates in their fixed order and returns the
// first failure. swapCount is the raw stored swap count; trades is the
// priced trade set the metrics were computed from.
func (e *Engine) CheckEligibility(swapCount int, trades []domain.TradeRecord, metrics *domain.PerformanceMetrics) domain.EligibilityResult {
	result := domain.EligibilityResult{
		Status:          domain.EligibilityEligible,
		TradeCount:      len(trades),
		TradingSpanDays: tradingSpanDays(trades),
	}

	if swapCount < 1 {
		result.Status = domain.EligibilityNoData
		result.Reason = "no swap history"
		return result
	}

	if result.TradingSpanDays < e.criteria.MinHistoryDays {
		result.Status = domain.EligibilityInsufficientHistory
		result.Reason = fmt.Sprintf("trading span %d days, need %d", result.TradingSpanDays, e.criteria.MinHistoryDays)
		return result
	}

	if result.TradeCount < e.criteria.MinTrades {
		result.Status = domain.EligibilityInsufficientTrades
		result.Reason = fmt.Sprintf("%d priced trades, need %d", result.TradeCount, e.criteria.MinTrades)
		return result
	}

	if date, ratio, spiked := e.dailyROISpike(trades); spiked {
		result.Status = domain.EligibilityExtremeROISpike
		result.Reason = fmt.Sprintf("daily ROI magnitude %s on %s exceeds %.2f", ratio, date, e.criteria.MaxDailyROIMagnitude)
		return result
	}

	if metrics == nil {
		result.Status = domain.EligibilityCalculationError
		result.Reason = "metrics could not be computed"
		return result
	}

	return result
}

// tradingSpanDays is the whole-day distance between the first and last
// trade.
func tradingSpanDays(trades []domain.TradeRecord) int {
	if len(trades) == 0 {
		return 0
	}

	first, last := trades[0].BlockTime, trades[0].BlockTime
	for _, trade := range trades[1:] {
		if trade.BlockTime.Before(first) {
			first = trade.BlockTime
		}
		if trade.BlockTime.After(last) {
			last = trade.BlockTime
		}
	}
	return int(last.Sub(first).Hours() / 24)
}

// dailyROISpike groups trades by UTC date and reports the first date
// whose |profit/volume| strictly exceeds the configured magnitude.
// A day at exactly the limit passes.
func (e *Engine) dailyROISpike(trades []domain.TradeRecord) (string, decimal.Decimal, bool) {
	type dayTotals struct {
		profit decimal.Decimal
		volume decimal.Decimal
	}

	days := make(map[string]*dayTotals)
	order := make([]string, 0)
	for _, trade := range trades {
		date := trade.BlockTime.UTC().Format("2006-01-02")
		totals, ok := days[date]
		if !ok {
			totals = &dayTotals{profit: decimal.Zero, volume: decimal.Zero}
			days[date] = totals
			order = append(order, date)
		}
		totals.profit = totals.profit.Add(trade.NetProfitUSD)
		totals.volume = totals.volume.Add(trade.TokenInUSD)
	}

	limit := decimal.NewFromFloat(e.criteria.MaxDailyROIMagnitude)
	for _, date := range order {
		totals := days[date]
		if !totals.volume.IsPositive() {
			continue
		}
		ratio := totals.profit.Div(totals.volume).Abs()
		if ratio.GreaterThan(limit) {
			return date, ratio, true
		}
	}
	return "", decimal.Zero, false
}

// Normalize positions one wallet's metrics inside the cohort by min-max
// scaling. Drawdown is inverted so smaller drawdowns score higher. A
// degenerate dimension (cohort min equals max) normalizes to 1: every
// wallet is simultaneously the best the cohort has seen.
func Normalize(m *domain.PerformanceMetrics, cohort []*domain.PerformanceMetrics) domain.NormalizedMetrics {
	sharpeMin, sharpeMax := cohortRange(cohort, func(c *domain.PerformanceMetrics) decimal.Decimal { return c.SharpeRatio })
	roiMin, roiMax := cohortRange(cohort, func(c *domain.PerformanceMetrics) decimal.Decimal { return c.NetROIPercent })
	ddMin, ddMax := cohortRange(cohort, func(c *domain.PerformanceMetrics) decimal.Decimal { return c.MaximumDrawdownPercent })

	return domain.NormalizedMetrics{
		Sharpe:   normalizeDimension(m.SharpeRatio, sharpeMin, sharpeMax, false),
		ROI:      normalizeDimension(m.NetROIPercent, roiMin, roiMax, false),
		Drawdown: normalizeDimension(m.MaximumDrawdownPercent, ddMin, ddMax, true),
	}
}

func cohortRange(cohort []*domain.PerformanceMetrics, pick func(*domain.PerformanceMetrics) decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(cohort) == 0 {
		return decimal.Zero, decimal.Zero
	}

	min, max := pick(cohort[0]), pick(cohort[0])
	for _, m := range cohort[1:] {
		v := pick(m)
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	return min, max
}

func normalizeDimension(v, min, max decimal.Decimal, invert bool) decimal.Decimal {
	if max.Equal(min) {
		return one
	}

	span := max.Sub(min)
	if span.LessThan(rangeFloor) {
		span = rangeFloor
	}

	n := v.Sub(min).Div(span)
	if invert {
		n = one.Sub(n)
	}

	switch {
	case n.IsNegative():
		return decimal.Zero
	case n.GreaterThan(one):
		return one
	}
	return n
}

// Score applies the fixed formula to one wallet against its cohort. The
// result is deterministic given identical cohort inputs.
func (e *Engine) Score(m *domain.PerformanceMetrics, cohort []*domain.PerformanceMetrics) *domain.TrustScoreResult {
	if len(cohort) == 0 {
		// A caller without a benchmark set scores against itself.
		cohort = []*domain.PerformanceMetrics{m}
	}

	n := Normalize(m, cohort)

	performance := n.Sharpe.Mul(weightSharpe).Add(n.ROI.Mul(weightROI))
	penalty := one.Sub(n.Drawdown).Mul(weightDrawdown)

	raw := performance.Sub(penalty)
	if raw.IsNegative() {
		raw = decimal.Zero
	}

	result := &domain.TrustScoreResult{
		WalletAddress:    m.WalletAddress,
		TrustScore:       raw.Mul(hundred).Round(scorePlaces),
		Eligibility:      domain.EligibilityResult{Status: domain.EligibilityEligible},
		Normalized:       &n,
		PerformanceScore: performance.Round(breakdownPlaces),
		RiskPenalty:      penalty.Round(breakdownPlaces),
		Metrics:          m,
		CalculatedAt:     time.Now().UTC(),
	}

	e.log.Debug().
		Str("wallet", m.WalletAddress).
		Str("trust_score", result.TrustScore.String()).
		Str("performance", result.PerformanceScore.String()).
		Str("penalty", result.RiskPenalty.String()).
		Int("cohort", len(cohort)).
		Msg("wallet scored")

	return result
}

// Ineligible builds the zero-score result for a wallet that failed a gate.
func Ineligible(wallet string, eligibility domain.EligibilityResult) *domain.TrustScoreResult {
	return &domain.TrustScoreResult{
		WalletAddress: wallet,
		TrustScore:    decimal.Zero,
		Eligibility:   eligibility,
		CalculatedAt:  time.Now().UTC(),
	}
}
