// Package strategies implements the pure, stateless strategy set (C3,
// §4.3): each strategy maps a BarSeries to a Signal and never mutates its
// input, never panics to the caller, and is deterministic given identical
// input.
package strategies

import "github.com/kestrelquant/engine/internal/domain"

// Strategy is the common shape every strategy satisfies. Modeled as an
// interface over independent implementations rather than an inheritance
// chain (design note, §9).
type Strategy interface {
	Name() string
	Evaluate(series domain.BarSeries) domain.Signal
}

// All returns the required strategy set in a fixed, deterministic order.
func All() []Strategy {
	return []Strategy{
		NewMACrossover(12, 26),
		NewRSIStrategy(14, 30, 70),
		NewBollingerStrategy(20, 2.0),
		NewVolumeBreakout(20, 1.5, 0.003),
		NewMomentum(),
	}
}

// safeEvaluate recovers from any panic inside a strategy body and converts
// it to a hold-signal, enforcing guarantee (b) of §4.3 even against bugs in
// individual strategies.
func safeEvaluate(name string, series domain.BarSeries, eval func(domain.BarSeries) domain.Signal) (sig domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			sig = domain.HoldSignal(name + ": internal error")
		}
	}()
	return eval(series)
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
