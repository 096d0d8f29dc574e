package formulas

import "github.com/markcheno/go-talib"

// BollingerBands returns the last (upper, middle, lower) band values for the
// given period and standard-deviation multiplier k, or ok=false if there
// isn't enough data.
func BollingerBands(closes []float64, period int, k float64) (upper, middle, lower float64, ok bool) {
	if len(closes) < period || period <= 0 {
		return 0, 0, 0, false
	}
	u, m, l := talib.BBands(closes, period, k, k, talib.SMA)
	uv, uok := lastFinite(u)
	mv, mok := lastFinite(m)
	lv, lok := lastFinite(l)
	if !uok || !mok || !lok {
		return 0, 0, 0, false
	}
	return uv, mv, lv, true
}
