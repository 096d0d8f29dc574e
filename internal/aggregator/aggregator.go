// Package aggregator implements multi-strategy signal voting (C4, §4.4):
// it turns the independent Signal set produced by every strategy in C3 into
// a single buy/sell/hold decision with a blended confidence.
package aggregator

import (
	"strings"

	"github.com/kestrelquant/engine/internal/domain"
)

// Thresholds configures the two agreement/confidence gates the aggregator
// applies. Entry decisions use a stricter agreement gate than exits so open
// positions can unwind on weaker consensus than was required to open them
// (§4.4 "Exit threshold").
type Thresholds struct {
	AgreementEntry    float64
	AgreementExit     float64
	MinConfidence     float64
	MinConfidenceExit float64
}

// DefaultThresholds mirrors the configuration defaults in §6.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AgreementEntry:    0.4,
		AgreementExit:     0.25,
		MinConfidence:     0.45,
		MinConfidenceExit: 0.25,
	}
}

// Aggregator holds the agreement/confidence thresholds used to fold a
// strategy set's signals into one decision per symbol.
type Aggregator struct {
	thresholds Thresholds
}

func New(thresholds Thresholds) *Aggregator {
	return &Aggregator{thresholds: thresholds}
}

// Aggregate folds signals for one symbol into an AggregatedSignal.
// hasOpenPosition selects the looser exit thresholds for the sell side when
// the symbol is already held, per §4.4.
func (a *Aggregator) Aggregate(symbol domain.Symbol, signals []domain.Signal, hasOpenPosition bool) domain.AggregatedSignal {
	var buys, sells []domain.Signal
	for _, s := range signals {
		switch s.Direction {
		case domain.DirectionBuy:
			buys = append(buys, s)
		case domain.DirectionSell:
			sells = append(sells, s)
		}
	}

	total := float64(len(signals))
	if total == 0 {
		return domain.AggregatedSignal{Symbol: symbol, Action: domain.ActionHold, Confidence: 0}
	}

	buyAgreement := float64(len(buys)) / total
	sellAgreement := float64(len(sells)) / total
	buyConfidence := meanStrength(buys)
	sellConfidence := meanStrength(sells)

	agreementEntry := a.thresholds.AgreementEntry
	agreementExit := a.thresholds.AgreementExit
	minConfidence := a.thresholds.MinConfidence
	minConfidenceExit := a.thresholds.MinConfidenceExit

	sellAgreementThreshold := agreementEntry
	sellConfidenceThreshold := minConfidence
	if hasOpenPosition {
		sellAgreementThreshold = agreementExit
		sellConfidenceThreshold = minConfidenceExit
	}

	buyQualifies := buyAgreement >= agreementEntry && buyConfidence >= minConfidence
	sellQualifies := sellAgreement >= sellAgreementThreshold && sellConfidence >= sellConfidenceThreshold

	buyFinal := buyConfidence * (0.6 + 0.4*buyAgreement)
	sellFinal := sellConfidence * (0.6 + 0.4*sellAgreement)

	switch {
	case buyQualifies && sellQualifies:
		// Mutually exclusive: ties go to the side with higher weighted confidence.
		if buyFinal >= sellFinal {
			return buildResult(symbol, domain.ActionBuy, buyFinal, buys)
		}
		return buildResult(symbol, domain.ActionSell, sellFinal, sells)
	case buyQualifies:
		return buildResult(symbol, domain.ActionBuy, buyFinal, buys)
	case sellQualifies:
		return buildResult(symbol, domain.ActionSell, sellFinal, sells)
	default:
		return domain.AggregatedSignal{Symbol: symbol, Action: domain.ActionHold, Confidence: 0}
	}
}

func buildResult(symbol domain.Symbol, action domain.Action, confidence float64, contributing []domain.Signal) domain.AggregatedSignal {
	reasons := make([]string, 0, len(contributing))
	for _, s := range contributing {
		if s.Reason != "" {
			reasons = append(reasons, s.Reason)
		}
	}
	return domain.AggregatedSignal{
		Symbol:     symbol,
		Action:     action,
		Confidence: clamp01(confidence),
		Reasons:    reasons,
	}
}

func meanStrength(signals []domain.Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	var sum float64
	for _, s := range signals {
		sum += s.Strength
	}
	return sum / float64(len(signals))
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

// JoinReasons renders an AggregatedSignal's contributing reasons as a single
// human-readable string, used by telemetry and trade-log entries.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
