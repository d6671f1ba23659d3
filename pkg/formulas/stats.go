// Package formulas provides the numeric building blocks for market
// monitoring: return series, dispersion and momentum indicators.
package formulas

import (
	"gonum.org/v1/gonum/stat"
)

// Mean is the arithmetic mean of data, 0 for an empty slice.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev is the sample standard deviation of data, 0 when fewer than two
// points.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Returns converts a price series into simple percentage returns.
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]; zero-price steps yield 0.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return returns
}

// Volatility is the standard deviation of the price series' returns,
// unannualized. The market watcher compares it against a per-window
// threshold, so no calendar scaling is applied.
func Volatility(prices []float64) float64 {
	return StdDev(Returns(prices))
}
