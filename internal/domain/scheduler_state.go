package domain

import "time"

// MarketState is the scheduler's market-hours gate state (§4.9).
type MarketState string

const (
	MarketClosed   MarketState = "closed"
	MarketPreOpen  MarketState = "pre_open"
	MarketOpen     MarketState = "open"
	MarketClosing  MarketState = "closing"
	MarketAfterEnd MarketState = "after_close"
)

// PortfolioSnapshot is the durable, serializable projection of portfolio
// state embedded in SchedulerState (§3, §4.10). It intentionally holds plain
// value types only (no mutexes, no channels) so it round-trips through JSON
// byte-for-byte.
type PortfolioSnapshot struct {
	InitialCash       float64
	Cash              float64
	Positions         map[string]Position // keyed by Symbol.String()
	Counters          Counters
	PositionCooldowns map[string]time.Time // keyed by Symbol.String()
}

// EngineStatus is the snapshot published to telemetry's status event and
// served by the ops introspection endpoint (§4.9 emit_status, §4.11).
type EngineStatus struct {
	Iteration  int64
	State      MarketState
	TradingDay string
	Timestamp  time.Time
	Positions  int
	Cash       float64
}

// SchedulerState is the single persisted process-wide state (§3, design
// note: exactly one instance per process, created at startup and destroyed
// after a final persist).
type SchedulerState struct {
	Mode             Mode
	Iteration        int64
	TradingDay       string // YYYY-MM-DD
	LastUpdate       time.Time
	Portfolio        PortfolioSnapshot
	LastPrices       map[string]float64 // keyed by Symbol.String()
	LastArchiveDay   string
	DayCloseExecuted string // "" or the trading day it ran for; never a future day
}
