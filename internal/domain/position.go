package domain

import (
	"fmt"
	"time"
)

// ProductType distinguishes equity delivery positions from F&O contracts,
// which carry different cost-model and lot-size rules (§4.7).
type ProductType string

const (
	ProductEquity ProductType = "equity"
	ProductOption ProductType = "option"
	ProductFuture ProductType = "future"
)

// Position is owned exclusively by the Portfolio (§3). At most one Position
// exists per Symbol at any time; shares == 0 means the position no longer
// exists (it must be deleted from the Portfolio's map, never left at zero).
type Position struct {
	Symbol        Symbol
	Shares        int
	EntryPrice    float64
	EntryTime     time.Time
	StopLoss      float64
	TakeProfit    float64
	Confidence    float64
	Sector        string
	ATR           *float64
	LotSize       int // 0 for equities (no lot constraint)
	ProductType   ProductType
	TransactionID string // shared by all legs of a structured F&O entry
	Short         bool   // true for a written (sold-to-open) option leg
}

// Validate checks the entry-time invariants for a position (§3): for a long
// position, stop_loss < entry_price < take_profit; for a written (Short)
// leg the sense inverts, take_profit < entry_price < stop_loss. shares > 0,
// and (for F&O) shares is a positive multiple of lot_size, in both cases.
func (p Position) Validate() error {
	if p.Shares <= 0 {
		return fmt.Errorf("position %s: shares must be positive, got %d", p.Symbol, p.Shares)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s: entry price must be positive", p.Symbol)
	}
	ordered := p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit
	if p.Short {
		ordered = p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss
	}
	if !ordered {
		return fmt.Errorf("position %s: stop/entry/target ordering invariant violated (stop=%v entry=%v target=%v short=%v)",
			p.Symbol, p.StopLoss, p.EntryPrice, p.TakeProfit, p.Short)
	}
	if p.LotSize > 0 && p.Shares%p.LotSize != 0 {
		return fmt.Errorf("position %s: shares %d not a multiple of lot size %d", p.Symbol, p.Shares, p.LotSize)
	}
	return nil
}

// MarkValue returns the mark-to-market value of the position at the given
// price.
func (p Position) MarkValue(price float64) float64 {
	return float64(p.Shares) * price
}

// StructuredPosition is a composite of simple Positions sharing one
// TransactionID — the representation for multi-leg F&O entries (straddle,
// strangle, iron condor). The Portfolio treats it atomically for entry/exit
// but marks each leg to market individually (design note, §4.8).
type StructuredPosition struct {
	TransactionID string
	Underlying    string
	Kind          string // e.g. "long_straddle", "short_strangle", "iron_condor"
	Legs          []Position
}

// TotalShares sums the share count across all legs, used for telemetry.
func (sp StructuredPosition) TotalShares() int {
	total := 0
	for _, leg := range sp.Legs {
		total += leg.Shares
	}
	return total
}
