package strategies

import (
	"fmt"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/pkg/formulas"
)

// BollingerStrategy signals mean-reversion at the bands: close at or below
// the lower band -> buy, at or above the upper band -> sell (§4.3).
type BollingerStrategy struct {
	Period int
	K      float64
}

func NewBollingerStrategy(period int, k float64) *BollingerStrategy {
	return &BollingerStrategy{Period: period, K: k}
}

func (b *BollingerStrategy) Name() string { return "bollinger" }

func (b *BollingerStrategy) Evaluate(series domain.BarSeries) domain.Signal {
	return safeEvaluate(b.Name(), series, b.evaluate)
}

func (b *BollingerStrategy) evaluate(series domain.BarSeries) domain.Signal {
	if series.Len() < b.Period+5 {
		return domain.HoldSignal("insufficient data for Bollinger bands")
	}
	closes := series.Closes()
	upper, _, lower, ok := formulas.BollingerBands(closes, b.Period, b.K)
	if !ok {
		return domain.HoldSignal("insufficient data for Bollinger bands")
	}
	close := closes[len(closes)-1]
	width := upper - lower
	if width <= 0 {
		return domain.HoldSignal("degenerate Bollinger band width")
	}

	switch {
	case close <= lower:
		return domain.Signal{Direction: domain.DirectionBuy, Strength: clamp01((lower-close)/width + 0.3), Reason: fmt.Sprintf("close %.2f at/below lower band %.2f", close, lower)}
	case close >= upper:
		return domain.Signal{Direction: domain.DirectionSell, Strength: clamp01((close-upper)/width + 0.3), Reason: fmt.Sprintf("close %.2f at/above upper band %.2f", close, upper)}
	default:
		return domain.HoldSignal("close within Bollinger bands")
	}
}
