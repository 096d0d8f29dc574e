// Package formulas wraps go-talib and gonum primitives used by the strategy
// set, the regime detector and the F&O composer.
package formulas

import (
	"github.com/markcheno/go-talib"
)

// EMA returns the last exponential moving average value for the given period,
// or nil if there isn't enough data to compute one.
func EMA(closes []float64, period int) *float64 {
	if len(closes) == 0 || period <= 0 {
		return nil
	}
	if len(closes) < period {
		sma := Mean(closes)
		return &sma
	}
	out := talib.Ema(closes, period)
	if v, ok := lastFinite(out); ok {
		return &v
	}
	return nil
}

// SMA returns the last simple moving average value for the given period.
func SMA(closes []float64, period int) *float64 {
	if len(closes) < period || period <= 0 {
		return nil
	}
	out := talib.Sma(closes, period)
	if v, ok := lastFinite(out); ok {
		return &v
	}
	return nil
}

func lastFinite(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return 0, false
	}
	return v, true
}

func isNaN(f float64) bool {
	return f != f
}
