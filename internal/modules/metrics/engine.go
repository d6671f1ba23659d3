// Package metrics computes rolling performance metrics for traders.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

func init() {
	// Metric arithmetic runs on 28-digit decimals end to end.
	if decimal.DivisionPrecision < 28 {
		decimal.DivisionPrecision = 28
	}
}

const (
	moneyPlaces  = 2
	sharpePlaces = 3
)

// Engine turns enriched trade histories into performance metrics.
type Engine struct {
	riskFreeRate decimal.Decimal // per-trade, normally zero
	log          zerolog.Logger
}

// NewEngine builds an Engine. riskFreeRate is the per-trade hurdle used
// in the Sharpe numerator.
func NewEngine(riskFreeRate decimal.Decimal, log zerolog.Logger) *Engine {
	return &Engine{
		riskFreeRate: riskFreeRate,
		log:          log.With().Str("component", "metrics_engine").Logger(),
	}
}

// Calculate computes the full metric set for one wallet's trades inside
// [start, end). Trades are processed in block-time order regardless of
// input order. Returns nil when there are no trades to measure.
func (e *Engine) Calculate(wallet string, trades []domain.TradeRecord, periodDays int, start, end time.Time) *domain.PerformanceMetrics {
	if len(trades) == 0 {
		return nil
	}

	ordered := make([]domain.TradeRecord, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].BlockTime.Before(ordered[j].BlockTime)
	})

	var (
		totalVolume = decimal.Zero
		totalFees   = decimal.Zero
		totalProfit = decimal.Zero

		winning, losing int
		sumWins         = decimal.Zero
		sumLosses       = decimal.Zero
		largestWin      = decimal.Zero
		largestLoss     = decimal.Zero

		returns []decimal.Decimal
	)

	for _, trade := range ordered {
		totalVolume = totalVolume.Add(trade.TokenInUSD)
		totalFees = totalFees.Add(trade.TradeFeeUSD)
		totalProfit = totalProfit.Add(trade.NetProfitUSD)

		switch trade.NetProfitUSD.Sign() {
		case 1:
			winning++
			sumWins = sumWins.Add(trade.NetProfitUSD)
			if trade.NetProfitUSD.GreaterThan(largestWin) {
				largestWin = trade.NetProfitUSD
			}
		case -1:
			losing++
			loss := trade.NetProfitUSD.Abs()
			sumLosses = sumLosses.Add(loss)
			if loss.GreaterThan(largestLoss) {
				largestLoss = loss
			}
		}

		if trade.TotalCostUSD.IsPositive() {
			returns = append(returns, trade.NetProfitUSD.Div(trade.TotalCostUSD))
		}
	}

	mean, stdev := meanStdev(returns)
	sharpe := decimal.Zero
	if len(returns) >= 2 && !stdev.IsZero() {
		sharpe = mean.Sub(e.riskFreeRate).Div(stdev)
	}

	roi := decimal.Zero
	if totalVolume.IsPositive() {
		roi = totalProfit.Div(totalVolume).Mul(decimal.NewFromInt(100))
	}

	metrics := &domain.PerformanceMetrics{
		WalletAddress: wallet,
		PeriodDays:    periodDays,
		StartDate:     start,
		EndDate:       end,

		TotalTrades:    len(ordered),
		TotalVolumeUSD: totalVolume.Round(moneyPlaces),
		TotalFeesUSD:   totalFees.Round(moneyPlaces),
		TotalProfitUSD: totalProfit.Round(moneyPlaces),

		NetROIPercent:          roi.Round(moneyPlaces),
		MaximumDrawdownPercent: maxDrawdownPercent(ordered).Round(moneyPlaces),
		SharpeRatio:            sharpe.Round(sharpePlaces),
		Volatility:             stdev.Round(sharpePlaces),

		WinLossRatio:  winLossRatio(winning, losing),
		WinningTrades: winning,
		LosingTrades:  losing,

		AverageTradeSizeUSD:       safeDiv(totalVolume, int64(len(ordered))).Round(moneyPlaces),
		AverageWinUSD:             safeDiv(sumWins, int64(winning)).Round(moneyPlaces),
		AverageLossUSD:            safeDiv(sumLosses, int64(losing)).Round(moneyPlaces),
		LargestWinUSD:             largestWin.Round(moneyPlaces),
		LargestLossUSD:            largestLoss.Round(moneyPlaces),
		AverageHoldingPeriodHours: averageGapHours(ordered).Round(moneyPlaces),

		DataPoints:   len(ordered),
		CalculatedAt: time.Now().UTC(),
	}

	e.log.Debug().
		Str("wallet", wallet).
		Int("trades", metrics.TotalTrades).
		Str("roi", metrics.NetROIPercent.String()).
		Str("sharpe", metrics.SharpeRatio.String()).
		Msg("metrics calculated")

	return metrics
}

// maxDrawdownPercent walks the cumulative profit curve against its
// running peak and reports the deepest drop relative to the final peak.
// Zero when the curve never rises above zero.
func maxDrawdownPercent(trades []domain.TradeRecord) decimal.Decimal {
	var (
		cumulative  = decimal.Zero
		peak        = decimal.Zero
		maxDrawdown = decimal.Zero
	)

	for _, trade := range trades {
		cumulative = cumulative.Add(trade.NetProfitUSD)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		drawdown := peak.Sub(cumulative)
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}

	if peak.Sign() <= 0 {
		return decimal.Zero
	}
	return maxDrawdown.Div(peak).Mul(decimal.NewFromInt(100))
}

// winLossRatio reports |winning|/|losing| with the no-loss sentinel.
func winLossRatio(winning, losing int) decimal.Decimal {
	switch {
	case losing > 0:
		return decimal.NewFromInt(int64(winning)).Div(decimal.NewFromInt(int64(losing))).Round(moneyPlaces)
	case winning > 0:
		return domain.WinLossInfinity
	default:
		return decimal.Zero
	}
}

// averageGapHours is the mean spacing between consecutive trades.
func averageGapHours(ordered []domain.TradeRecord) decimal.Decimal {
	if len(ordered) < 2 {
		return decimal.Zero
	}

	totalGap := decimal.Zero
	for i := 1; i < len(ordered); i++ {
		gap := ordered[i].BlockTime.Sub(ordered[i-1].BlockTime)
		totalGap = totalGap.Add(decimal.NewFromFloat(gap.Hours()))
	}
	return totalGap.Div(decimal.NewFromInt(int64(len(ordered) - 1)))
}

// meanStdev computes the mean and sample standard deviation of returns.
func meanStdev(returns []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	n := int64(len(returns))
	if n == 0 {
		return decimal.Zero, decimal.Zero
	}

	sum := decimal.Zero
	for _, r := range returns {
		sum = sum.Add(r)
	}
	mean := sum.Div(decimal.NewFromInt(n))

	if n < 2 {
		return mean, decimal.Zero
	}

	sumSquares := decimal.Zero
	for _, r := range returns {
		diff := r.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(n - 1))
	return mean, decimalSqrt(variance)
}

// decimalSqrt refines a float64 seed with Newton iterations so the
// result carries decimal precision rather than float precision.
func decimalSqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}

	seed, _ := d.Float64()
	guess := decimal.NewFromFloat(math.Sqrt(seed))
	if guess.IsZero() {
		guess = d
	}

	two := decimal.NewFromInt(2)
	for i := 0; i < 6; i++ {
		guess = guess.Add(d.Div(guess)).Div(two)
	}
	return guess
}

// safeDiv divides by a count, zero when the count is zero.
func safeDiv(total decimal.Decimal, count int64) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(count))
}
