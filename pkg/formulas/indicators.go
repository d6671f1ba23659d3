package formulas

import (
	"github.com/markcheno/go-talib"
)

// RSI returns the latest Relative Strength Index over the given period,
// or nil when the series is too short.
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}

	series := talib.Rsi(closes, period)
	if len(series) == 0 {
		return nil
	}
	last := series[len(series)-1]
	if isNaN(last) {
		return nil
	}
	return &last
}

// ATR returns the latest Average True Range over the given period, or nil
// when the series is too short. High, low and close must be equal length.
func ATR(high, low, close []float64, period int) *float64 {
	if len(close) <= period || len(high) != len(close) || len(low) != len(close) {
		return nil
	}

	series := talib.Atr(high, low, close, period)
	if len(series) == 0 {
		return nil
	}
	last := series[len(series)-1]
	if isNaN(last) {
		return nil
	}
	return &last
}

func isNaN(f float64) bool {
	return f != f
}
