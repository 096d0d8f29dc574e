package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/reliability"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu           sync.Mutex
	placeErr     error
	orderID      string
	statuses     []domain.OrderStatus // returned in sequence on each OrderStatus call
	statusCalls  int
	cancelCalled bool
}

func (f *fakeClient) PlaceOrder(symbol domain.Symbol, qty int, side domain.TradeSide, price *float64, orderType domain.OrderType, product domain.ProductType) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return f.orderID, nil
}

func (f *fakeClient) OrderStatus(orderID string) (domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	return f.statuses[idx], nil
}

func (f *fakeClient) CancelOrder(orderID string) error {
	f.cancelCalled = true
	return nil
}

func (f *fakeClient) Positions() ([]domain.BrokerPosition, error) { return nil, nil }
func (f *fakeClient) GetQuote(symbol domain.Symbol) (domain.Quote, error) {
	return domain.Quote{Symbol: symbol, Last: 100}, nil
}
func (f *fakeClient) FetchBars(symbol domain.Symbol, interval string, lookbackDays int) (domain.BarSeries, error) {
	return domain.BarSeries{}, nil
}
func (f *fakeClient) FetchInstruments(exchange domain.Exchange) ([]domain.Instrument, error) {
	return nil, nil
}

func newTestGateway() *reliability.Gateway {
	return reliability.NewGateway(reliability.NewRateLimiter(1000, 1000), reliability.NewCircuitBreaker(5, time.Minute))
}

func testSymbol(t *testing.T) domain.Symbol {
	s, err := domain.NewEquitySymbol("ACME")
	require.NoError(t, err)
	return s
}

func TestPlaceAndAwaitFillCompletesImmediately(t *testing.T) {
	fc := &fakeClient{orderID: "o1", statuses: []domain.OrderStatus{{Status: domain.OrderComplete, FilledQty: 10, AvgPrice: 100}}}
	g := NewGateway(fc, newTestGateway(), PollConfig{Schedule: nil, Budget: time.Second}, zerolog.Nop())

	status, orderID, err := g.PlaceAndAwaitFill(testSymbol(t), 10, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.NoError(t, err)
	assert.Equal(t, "o1", orderID)
	assert.Equal(t, domain.OrderComplete, status.Status)
	assert.Equal(t, 10, status.FilledQty)
}

func TestPlaceAndAwaitFillCancelsShortfallPartial(t *testing.T) {
	fc := &fakeClient{orderID: "o2", statuses: []domain.OrderStatus{{Status: domain.OrderPartial, FilledQty: 5, AvgPrice: 100}}}
	g := NewGateway(fc, newTestGateway(), PollConfig{Schedule: nil, Budget: time.Second}, zerolog.Nop())

	_, _, err := g.PlaceAndAwaitFill(testSymbol(t), 10, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.Error(t, err)
	var orderErr *domain.OrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, domain.OrderPartialShortfall, orderErr.Kind)
	assert.True(t, fc.cancelCalled)
}

func TestPlaceAndAwaitFillAcceptsPartialAbove90Percent(t *testing.T) {
	fc := &fakeClient{orderID: "o3", statuses: []domain.OrderStatus{{Status: domain.OrderPartial, FilledQty: 95, AvgPrice: 100}}}
	g := NewGateway(fc, newTestGateway(), PollConfig{Schedule: nil, Budget: time.Second}, zerolog.Nop())

	status, _, err := g.PlaceAndAwaitFill(testSymbol(t), 100, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.NoError(t, err)
	assert.Equal(t, 95, status.FilledQty)
	assert.False(t, fc.cancelCalled)
}

func TestPlaceAndAwaitFillPropagatesPlacementRejection(t *testing.T) {
	fc := &fakeClient{placeErr: &domain.OrderError{Kind: domain.OrderRejected, Detail: "insufficient margin"}}
	g := NewGateway(fc, newTestGateway(), PollConfig{Schedule: nil, Budget: time.Second}, zerolog.Nop())

	_, _, err := g.PlaceAndAwaitFill(testSymbol(t), 10, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.Error(t, err)
	var orderErr *domain.OrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, domain.OrderRejected, orderErr.Kind)
}

func TestIsTransientClassifiesOrderErrorsAsPermanent(t *testing.T) {
	assert.False(t, IsTransient(&domain.OrderError{Kind: domain.OrderRejected}))
	assert.True(t, IsTransient(errors.New("network timeout")))
}
