package strategies

import (
	"fmt"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/pkg/formulas"
)

// Momentum is a composite strategy combining ROC, RSI, MACD histogram,
// trend slope, and acceleration (second-derivative of the trend). Each
// component casts an equal +1/-1/0 vote; the final signal fires only when
// the net vote reaches at least 3 of the 5 in one direction (§4.3).
type Momentum struct {
	ROCPeriod   int
	RSIPeriod   int
	SlopeWindow int
}

func NewMomentum() *Momentum {
	return &Momentum{ROCPeriod: 10, RSIPeriod: 14, SlopeWindow: 10}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Evaluate(series domain.BarSeries) domain.Signal {
	return safeEvaluate(m.Name(), series, m.evaluate)
}

func (m *Momentum) evaluate(series domain.BarSeries) domain.Signal {
	needed := maxInt(m.ROCPeriod, maxInt(m.RSIPeriod, m.SlopeWindow)) + 10
	if series.Len() < needed {
		return domain.HoldSignal("insufficient data for momentum")
	}
	closes := series.Closes()

	roc := formulas.ROC(closes, m.ROCPeriod)
	rsi := formulas.RSI(closes, m.RSIPeriod)
	macd, _, hist, macdOK := formulas.MACD(closes, 12, 26, 9)
	if roc == nil || rsi == nil || !macdOK {
		return domain.HoldSignal("insufficient data for momentum")
	}

	recentSlope := formulas.Slope(closes[len(closes)-m.SlopeWindow:])
	priorSlope := formulas.Slope(closes[len(closes)-m.SlopeWindow-5 : len(closes)-5])
	acceleration := recentSlope - priorSlope

	votes := 0
	total := 5
	if *roc > 0 {
		votes++
	} else if *roc < 0 {
		votes--
	}
	if *rsi > 55 {
		votes++
	} else if *rsi < 45 {
		votes--
	}
	if hist > 0 && macd > 0 {
		votes++
	} else if hist < 0 && macd < 0 {
		votes--
	}
	if recentSlope > 0 {
		votes++
	} else if recentSlope < 0 {
		votes--
	}
	if acceleration > 0 {
		votes++
	} else if acceleration < 0 {
		votes--
	}

	agreement := float64(abs(votes)) / float64(total)
	reason := fmt.Sprintf("momentum votes %d/%d (roc=%.3f rsi=%.1f macd_hist=%.3f slope=%.4f accel=%.4f)", votes, total, *roc, *rsi, hist, recentSlope, acceleration)

	const minAgreement = 0.6
	switch {
	case agreement >= minAgreement && votes > 0:
		return domain.Signal{Direction: domain.DirectionBuy, Strength: clamp01(agreement), Reason: reason}
	case agreement >= minAgreement && votes < 0:
		return domain.Signal{Direction: domain.DirectionSell, Strength: clamp01(agreement), Reason: reason}
	default:
		return domain.HoldSignal(reason)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
