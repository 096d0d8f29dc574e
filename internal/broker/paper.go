package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelquant/engine/internal/domain"
)

// PriceSource supplies the last-traded price used to fill paper orders; in
// production this is the market-data provider's current-price lookup.
type PriceSource interface {
	LastPrice(symbol domain.Symbol) (float64, bool)
}

// PaperBroker is a deterministic, in-memory domain.BrokerClient used for
// mode=paper and the backtest fast path (§6). Orders fill immediately and in
// full: market orders at the PriceSource's current quote, limit orders at
// their limit price (which is not checked against that quote). An order is
// refused only when the PriceSource has no quote for the symbol; there is no
// partial-fill or broker-rejection simulation.
type PaperBroker struct {
	mu        sync.Mutex
	prices    PriceSource
	orders    map[string]domain.OrderStatus
	positions map[string]domain.BrokerPosition
}

func NewPaperBroker(prices PriceSource) *PaperBroker {
	return &PaperBroker{
		prices:    prices,
		orders:    make(map[string]domain.OrderStatus),
		positions: make(map[string]domain.BrokerPosition),
	}
}

func (p *PaperBroker) PlaceOrder(symbol domain.Symbol, qty int, side domain.TradeSide, price *float64, orderType domain.OrderType, product domain.ProductType) (string, error) {
	fillPrice, ok := p.prices.LastPrice(symbol)
	if !ok {
		return "", &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String(), Err: fmt.Errorf("no quote available for paper fill")}
	}
	if price != nil && orderType == domain.OrderTypeLimit {
		fillPrice = *price
	}

	orderID := uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[orderID] = domain.OrderStatus{Status: domain.OrderComplete, FilledQty: qty, AvgPrice: fillPrice}

	pos := p.positions[symbol.String()]
	pos.Symbol = symbol
	switch side {
	case domain.SideBuy:
		pos.Shares += qty
	case domain.SideSell:
		pos.Shares -= qty
	}
	pos.AvgPrice = fillPrice
	if pos.Shares == 0 {
		delete(p.positions, symbol.String())
	} else {
		p.positions[symbol.String()] = pos
	}

	return orderID, nil
}

func (p *PaperBroker) OrderStatus(orderID string) (domain.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[orderID]
	if !ok {
		return domain.OrderStatus{}, &domain.OrderError{Kind: domain.OrderRejected, OrderID: orderID, Detail: "unknown order"}
	}
	return status, nil
}

func (p *PaperBroker) CancelOrder(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[orderID]
	if !ok {
		return &domain.OrderError{Kind: domain.OrderRejected, OrderID: orderID, Detail: "unknown order"}
	}
	if status.Status == domain.OrderComplete {
		return nil // already terminal; nothing to cancel
	}
	status.Status = domain.OrderCancelled
	p.orders[orderID] = status
	return nil
}

func (p *PaperBroker) Positions() ([]domain.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperBroker) GetQuote(symbol domain.Symbol) (domain.Quote, error) {
	price, ok := p.prices.LastPrice(symbol)
	if !ok {
		return domain.Quote{}, &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String()}
	}
	return domain.Quote{Symbol: symbol, Last: price, Bid: price, Ask: price, AsOf: time.Now()}, nil
}

func (p *PaperBroker) FetchBars(symbol domain.Symbol, interval string, lookbackDays int) (domain.BarSeries, error) {
	return domain.BarSeries{}, &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String(), Err: fmt.Errorf("paper broker has no historical data source")}
}

func (p *PaperBroker) FetchInstruments(exchange domain.Exchange) ([]domain.Instrument, error) {
	return nil, nil
}
