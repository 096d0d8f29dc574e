package strategies

import (
	"fmt"
	"math"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/pkg/formulas"
)

// MACrossover signals on EMA(short) vs EMA(long) crossovers, with strength
// scaled by the separation between the two averages; it also emits a
// lower-strength trending signal when already-crossed averages keep
// diverging (§4.3).
type MACrossover struct {
	Short, Long int
}

func NewMACrossover(short, long int) *MACrossover {
	return &MACrossover{Short: short, Long: long}
}

func (m *MACrossover) Name() string { return "ma_crossover" }

func (m *MACrossover) Evaluate(series domain.BarSeries) domain.Signal {
	return safeEvaluate(m.Name(), series, m.evaluate)
}

func (m *MACrossover) evaluate(series domain.BarSeries) domain.Signal {
	needed := m.Long + 5
	if series.Len() < needed {
		return domain.HoldSignal("insufficient data for MA crossover")
	}

	closes := series.Closes()
	shortNow := formulas.EMA(closes, m.Short)
	longNow := formulas.EMA(closes, m.Long)
	shortPrev := formulas.EMA(closes[:len(closes)-1], m.Short)
	longPrev := formulas.EMA(closes[:len(closes)-1], m.Long)
	if shortNow == nil || longNow == nil || shortPrev == nil || longPrev == nil {
		return domain.HoldSignal("insufficient data for MA crossover")
	}

	separation := (*shortNow - *longNow) / *longNow
	crossedUp := *shortPrev <= *longPrev && *shortNow > *longNow
	crossedDown := *shortPrev >= *longPrev && *shortNow < *longNow

	switch {
	case crossedUp:
		return domain.Signal{Direction: domain.DirectionBuy, Strength: clamp01(math.Abs(separation) * 20), Reason: "bullish EMA crossover"}
	case crossedDown:
		return domain.Signal{Direction: domain.DirectionSell, Strength: clamp01(math.Abs(separation) * 20), Reason: "bearish EMA crossover"}
	case *shortNow > *longNow:
		return domain.Signal{Direction: domain.DirectionBuy, Strength: clamp01(math.Abs(separation) * 8), Reason: fmt.Sprintf("trending above EMA%d", m.Long)}
	default:
		return domain.Signal{Direction: domain.DirectionSell, Strength: clamp01(math.Abs(separation) * 8), Reason: fmt.Sprintf("trending below EMA%d", m.Long)}
	}
}
