package broker

import (
	"testing"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPrices struct {
	prices map[string]float64
}

func (f fixedPrices) LastPrice(symbol domain.Symbol) (float64, bool) {
	p, ok := f.prices[symbol.String()]
	return p, ok
}

func TestPaperBrokerFillsBuyAtLastPrice(t *testing.T) {
	sym, _ := domain.NewEquitySymbol("ACME")
	b := NewPaperBroker(fixedPrices{prices: map[string]float64{"ACME": 150}})

	orderID, err := b.PlaceOrder(sym, 10, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.NoError(t, err)

	status, err := b.OrderStatus(orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, status.Status)
	assert.Equal(t, 10, status.FilledQty)
	assert.Equal(t, 150.0, status.AvgPrice)

	positions, err := b.Positions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10, positions[0].Shares)
}

func TestPaperBrokerSellReducesAndClosesPosition(t *testing.T) {
	sym, _ := domain.NewEquitySymbol("ACME")
	b := NewPaperBroker(fixedPrices{prices: map[string]float64{"ACME": 150}})

	_, err := b.PlaceOrder(sym, 10, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.NoError(t, err)
	_, err = b.PlaceOrder(sym, 10, domain.SideSell, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.NoError(t, err)

	positions, err := b.Positions()
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperBrokerRejectsOrderWithoutQuote(t *testing.T) {
	sym, _ := domain.NewEquitySymbol("ACME")
	b := NewPaperBroker(fixedPrices{prices: map[string]float64{}})

	_, err := b.PlaceOrder(sym, 10, domain.SideBuy, nil, domain.OrderTypeMarket, domain.ProductEquity)
	require.Error(t, err)
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestPaperBrokerLimitOrderUsesLimitPrice(t *testing.T) {
	sym, _ := domain.NewEquitySymbol("ACME")
	b := NewPaperBroker(fixedPrices{prices: map[string]float64{"ACME": 150}})
	limit := 148.0

	orderID, err := b.PlaceOrder(sym, 5, domain.SideBuy, &limit, domain.OrderTypeLimit, domain.ProductEquity)
	require.NoError(t, err)

	status, err := b.OrderStatus(orderID)
	require.NoError(t, err)
	assert.Equal(t, 148.0, status.AvgPrice)
}

func TestPaperBrokerCancelUnknownOrderErrors(t *testing.T) {
	b := NewPaperBroker(fixedPrices{prices: map[string]float64{}})
	err := b.CancelOrder("nonexistent")
	require.Error(t, err)
}
