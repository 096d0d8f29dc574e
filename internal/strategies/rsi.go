package strategies

import (
	"fmt"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/pkg/formulas"
)

// RSIStrategy is a Wilder-RSI mean-reversion strategy: oversold -> buy,
// overbought -> sell, with strength proportional to distance past the
// threshold (§4.3).
type RSIStrategy struct {
	Period               int
	Oversold, Overbought float64
}

func NewRSIStrategy(period int, oversold, overbought float64) *RSIStrategy {
	return &RSIStrategy{Period: period, Oversold: oversold, Overbought: overbought}
}

func (r *RSIStrategy) Name() string { return "rsi" }

func (r *RSIStrategy) Evaluate(series domain.BarSeries) domain.Signal {
	return safeEvaluate(r.Name(), series, r.evaluate)
}

func (r *RSIStrategy) evaluate(series domain.BarSeries) domain.Signal {
	if series.Len() < r.Period+5 {
		return domain.HoldSignal("insufficient data for RSI")
	}
	rsi := formulas.RSI(series.Closes(), r.Period)
	if rsi == nil {
		return domain.HoldSignal("insufficient data for RSI")
	}

	switch {
	case *rsi <= r.Oversold:
		strength := clamp01((r.Oversold - *rsi) / r.Oversold)
		return domain.Signal{Direction: domain.DirectionBuy, Strength: strength, Reason: fmt.Sprintf("RSI %.1f oversold", *rsi)}
	case *rsi >= r.Overbought:
		strength := clamp01((*rsi - r.Overbought) / (100 - r.Overbought))
		return domain.Signal{Direction: domain.DirectionSell, Strength: strength, Reason: fmt.Sprintf("RSI %.1f overbought", *rsi)}
	default:
		return domain.HoldSignal(fmt.Sprintf("RSI %.1f neutral", *rsi))
	}
}
