package domain

import "time"

// TradeSide is the executed side of a Trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Mode identifies which engine mode produced a Trade (§6 configuration
// surface: mode=paper/live/backtest).
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// Trade is an immutable record of an executed fill (§3). Once written, it is
// never mutated; trades join back to positions by Symbol + Timestamp, never
// by pointer (design note: no cyclic ownership).
type Trade struct {
	Timestamp        time.Time
	Symbol           Symbol
	Side             TradeSide
	Shares           int
	Price            float64
	Fees             float64
	PnL              *float64 // set only for sells
	Mode             Mode
	Confidence       float64
	Sector           string
	CashBalanceAfter float64
	ATR              *float64
	TradingDay       string // YYYY-MM-DD, IST calendar day
	Reason           string // e.g. "stop_loss", "take_profit", "day_end_close", "signal"
	TransactionID    string // shared across legs of a multi-leg F&O group
}

// Counters tracks cumulative portfolio performance (§3).
type Counters struct {
	Total    int
	Wins     int
	Losses   int
	Best     float64
	Worst    float64
	TotalPnL float64
}

// DailySummary is composed once per trading day at market close (§4.10).
type DailySummary struct {
	TradingDay  string
	TotalTrades int
	BuyTrades   int
	SellTrades  int
	Winners     int
	Losers      int
	TotalPnL    float64
	Best        float64
	Worst       float64
	OpeningCash float64
	ClosingCash float64
}
