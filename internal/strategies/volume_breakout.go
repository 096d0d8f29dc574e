package strategies

import (
	"fmt"
	"math"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/pkg/formulas"
)

// VolumeBreakout signals when volume spikes above its recent average while
// price also moves meaningfully: (vol > mean_vol * k) AND (|delta close| >
// epsilon) -> directional signal (§4.3).
type VolumeBreakout struct {
	Lookback     int
	VolumeMult   float64
	PriceMoveEps float64
}

func NewVolumeBreakout(lookback int, volumeMult, priceMoveEps float64) *VolumeBreakout {
	return &VolumeBreakout{Lookback: lookback, VolumeMult: volumeMult, PriceMoveEps: priceMoveEps}
}

func (v *VolumeBreakout) Name() string { return "volume_breakout" }

func (v *VolumeBreakout) Evaluate(series domain.BarSeries) domain.Signal {
	return safeEvaluate(v.Name(), series, v.evaluate)
}

func (v *VolumeBreakout) evaluate(series domain.BarSeries) domain.Signal {
	if series.Len() < 20 {
		return domain.HoldSignal("insufficient data for volume breakout")
	}
	volumes := series.Volumes()
	window := volumes[len(volumes)-v.Lookback:]
	if len(volumes) < v.Lookback {
		window = volumes
	}
	meanVol := formulas.Mean(window[:len(window)-1])
	lastVol := window[len(window)-1]

	closes := series.Closes()
	prevClose := closes[len(closes)-2]
	lastClose := closes[len(closes)-1]
	if prevClose == 0 {
		return domain.HoldSignal("invalid previous close")
	}
	priceMove := (lastClose - prevClose) / prevClose

	if meanVol <= 0 || lastVol <= meanVol*v.VolumeMult || math.Abs(priceMove) <= v.PriceMoveEps {
		return domain.HoldSignal("no volume breakout")
	}

	strength := clamp01(lastVol/(meanVol*v.VolumeMult) - 1 + math.Abs(priceMove)*10)
	reason := fmt.Sprintf("volume %.0fx avg with %.2f%% price move", lastVol/meanVol, priceMove*100)
	if priceMove > 0 {
		return domain.Signal{Direction: domain.DirectionBuy, Strength: strength, Reason: reason}
	}
	return domain.Signal{Direction: domain.DirectionSell, Strength: strength, Reason: reason}
}
