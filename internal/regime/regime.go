// Package regime implements the per-index regime detector (C5, §4.5): a
// read-only classifier over daily-scale bars that the F&O composer (C8)
// consults for strategy selection. It never blocks single-name trading.
package regime

import (
	"math"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/pkg/formulas"
)

// Detector classifies trend and volatility regime for an index from its
// daily bar history plus static IndexCharacteristics.
type Detector struct {
	ShortMA int
	LongMA  int
}

func NewDetector(shortMA, longMA int) *Detector {
	return &Detector{ShortMA: shortMA, LongMA: longMA}
}

// Detect computes the regime for one index. Returns a zero-confidence
// sideways/normal regime when there isn't enough daily history to form an
// opinion; callers should treat that as "no edge", not an error.
func (d *Detector) Detect(series domain.BarSeries, chars domain.IndexCharacteristics) domain.Regime {
	if series.Len() < d.LongMA+5 {
		return domain.Regime{Trend: domain.TrendSideways, Volatility: domain.VolNormal, Confidence: 0}
	}
	closes := series.Closes()

	shortMA := formulas.Mean(closes[len(closes)-d.ShortMA:])
	longMA := formulas.Mean(closes[len(closes)-d.LongMA:])
	slope := formulas.Slope(closes[len(closes)-d.ShortMA:])

	separation := 0.0
	if longMA != 0 {
		separation = (shortMA - longMA) / longMA
	}

	trend := domain.TrendSideways
	switch {
	case shortMA > longMA && slope > 0:
		trend = domain.TrendBullish
	case shortMA < longMA && slope < 0:
		trend = domain.TrendBearish
	}

	returns := formulas.Returns(closes[len(closes)-d.ShortMA:])
	realizedMove := formulas.StdDev(returns) * averageClose(closes[len(closes)-d.ShortMA:])

	volatility := classifyVolatility(realizedMove, chars.AvgDailyMove)

	confidence := clamp01(math.Abs(separation)*10 + math.Abs(slope)/averageClose(closes)*50)

	return domain.Regime{Trend: trend, Volatility: volatility, Confidence: confidence}
}

// classifyVolatility buckets realized daily move against the index's
// historical average move (§4.5): within 0.8x is low, up to 1.3x is normal,
// up to 2x is high, beyond that is extreme.
func classifyVolatility(realizedMove, avgDailyMove float64) domain.VolatilityBucket {
	if avgDailyMove <= 0 {
		return domain.VolNormal
	}
	ratio := realizedMove / avgDailyMove
	switch {
	case ratio < 0.8:
		return domain.VolLow
	case ratio < 1.3:
		return domain.VolNormal
	case ratio < 2.0:
		return domain.VolHigh
	default:
		return domain.VolExtreme
	}
}

func averageClose(closes []float64) float64 {
	v := formulas.Mean(closes)
	if v == 0 {
		return 1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
