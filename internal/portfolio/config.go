package portfolio

import "time"

// Config holds the sizing, cost, and cooldown parameters for one Portfolio
// instance (§4.7, §6).
type Config struct {
	RiskPerTradePct              float64
	ATRStopMultiplier            float64
	ATRTargetMultiplier          float64
	TrailingActivationMultiplier float64
	TrailingStopMultiplier       float64
	StopLossPctFallback          float64
	TakeProfitPctFallback        float64
	MaxPositions                 int
	MaxPositionValue             float64
	MinHoldingPeriod             time.Duration
	CooldownNormal               time.Duration
	CooldownStopLoss             time.Duration
}

// DefaultConfig mirrors the §6 defaults.
func DefaultConfig() Config {
	return Config{
		RiskPerTradePct:              0.015,
		ATRStopMultiplier:            1.8,
		ATRTargetMultiplier:          4.5,
		TrailingActivationMultiplier: 1.3,
		TrailingStopMultiplier:       0.7,
		StopLossPctFallback:          0.02,
		TakeProfitPctFallback:        0.05,
		MaxPositions:                 25,
		MaxPositionValue:             500_000,
		MinHoldingPeriod:             15 * time.Minute,
		CooldownNormal:               15 * time.Minute,
		CooldownStopLoss:             30 * time.Minute,
	}
}

// reasons that bypass the minimum holding period (§4.7 execute_sell step 2).
// leg_failure_reversal is a cancel-and-reverse of a structure that was just
// opened this same iteration (§4.8 step 7), not a discretionary exit, so it
// must bypass the gate like the risk-driven reasons above.
var holdingPeriodExemptReasons = map[string]bool{
	"stop_loss":            true,
	"take_profit":          true,
	"day_end_close":        true,
	"market_close":         true,
	"leg_failure_reversal": true,
}
