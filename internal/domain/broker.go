package domain

import "time"

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatusKind is the broker's reported order lifecycle state (§4.6).
type OrderStatusKind string

const (
	OrderPending   OrderStatusKind = "pending"
	OrderComplete  OrderStatusKind = "complete"
	OrderPartial   OrderStatusKind = "partial"
	OrderRejectedS OrderStatusKind = "rejected"
	OrderCancelled OrderStatusKind = "cancelled"
)

// OrderStatus is the result of polling a placed order (§4.6).
type OrderStatus struct {
	Status          OrderStatusKind
	FilledQty       int
	AvgPrice        float64
	RejectionReason string
}

// Quote is a market snapshot for a symbol (§4.6).
type Quote struct {
	Symbol Symbol
	Last   float64
	Bid    float64
	Ask    float64
	AsOf   time.Time
}

// Instrument resolves a Symbol to the broker's internal identifier (§4.2).
type Instrument struct {
	Symbol   Symbol
	Token    string
	Exchange Exchange
}

// BrokerPosition is a position as reported by the broker's Positions call.
// Restart restoration does not use it; restored state is not reconciled
// against broker positions.
type BrokerPosition struct {
	Symbol   Symbol
	Shares   int
	AvgPrice float64
}

// BrokerClient is the authenticated client handle the core consumes; how it
// was obtained (credential/token acquisition) is out of scope (§1, §6). The
// broker gateway (internal/broker) wraps every call below in the rate
// limiter, circuit breaker, and retry policy (§4.6).
type BrokerClient interface {
	PlaceOrder(symbol Symbol, qty int, side TradeSide, price *float64, orderType OrderType, product ProductType) (orderID string, err error)
	OrderStatus(orderID string) (OrderStatus, error)
	CancelOrder(orderID string) error
	Positions() ([]BrokerPosition, error)
	GetQuote(symbol Symbol) (Quote, error)

	// Historical/reference data (§4.2, §6).
	FetchBars(symbol Symbol, interval string, lookbackDays int) (BarSeries, error)
	FetchInstruments(exchange Exchange) ([]Instrument, error)
}

// SecondaryMarketDataClient is the generic fallback historical-data source
// engaged only when the primary broker-provided source is unavailable
// (§4.2). Ticker-to-domestic-symbol mapping is the fallback's own concern
// (§6).
type SecondaryMarketDataClient interface {
	FetchBars(ticker string, interval string, lookbackDays int) (BarSeries, error)
}
