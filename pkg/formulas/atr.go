package formulas

import "github.com/markcheno/go-talib"

// ATR returns the last Average True Range value over the given period, given
// parallel high/low/close slices, or nil if there isn't enough data.
//
// Grounded on the teacher's talib-wrapper style in ema.go/rsi.go; ATR itself
// isn't present in the reference repo, but the spec requires it throughout
// C7 sizing and C7 trailing-stop logic, so it follows the same wrapper shape.
func ATR(highs, lows, closes []float64, period int) *float64 {
	if period <= 0 || len(highs) < period+1 || len(lows) != len(highs) || len(closes) != len(highs) {
		return nil
	}
	out := talib.Atr(highs, lows, closes, period)
	if v, ok := lastFinite(out); ok && v > 0 {
		return &v
	}
	return nil
}
