package formulas

import "github.com/markcheno/go-talib"

// RSI returns the last Wilder RSI value (0-100) for the given period, or nil
// if there isn't enough data. A series whose closes never change has no
// gains or losses and returns the neutral value 50.
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 || period <= 0 {
		return nil
	}
	unchanged := true
	for _, c := range closes[1:] {
		if c != closes[0] {
			unchanged = false
			break
		}
	}
	if unchanged {
		neutral := 50.0
		return &neutral
	}
	out := talib.Rsi(closes, period)
	if v, ok := lastFinite(out); ok {
		return &v
	}
	return nil
}

// MACD returns the last (macd, signal, histogram) values for the standard
// 12/26/9 configuration, or ok=false if there isn't enough data.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist float64, ok bool) {
	if len(closes) < slow+signal {
		return 0, 0, 0, false
	}
	m, s, h := talib.Macd(closes, fast, slow, signal)
	mv, mok := lastFinite(m)
	sv, sok := lastFinite(s)
	hv, hok := lastFinite(h)
	if !mok || !sok || !hok {
		return 0, 0, 0, false
	}
	return mv, sv, hv, true
}

// ROC returns the last rate-of-change value over the given period.
func ROC(closes []float64, period int) *float64 {
	if len(closes) < period+1 || period <= 0 {
		return nil
	}
	out := talib.Roc(closes, period)
	if v, ok := lastFinite(out); ok {
		return &v
	}
	return nil
}
