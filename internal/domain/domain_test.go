package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEquitySymbolValidation(t *testing.T) {
	s, err := NewEquitySymbol("acme")
	require.NoError(t, err)
	assert.Equal(t, "ACME", s.String())
	assert.False(t, s.IsOption())

	_, err = NewEquitySymbol("a")
	assert.Error(t, err)

	_, err = NewEquitySymbol("way-too-long-ticker-name-here")
	assert.Error(t, err)
}

func TestNewOptionSymbolCanonicalForm(t *testing.T) {
	expiry := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	s, err := NewOptionSymbol("NIFTY", expiry, 24500, RightCall, ExchangeNFO)
	require.NoError(t, err)
	assert.True(t, s.IsOption())
	assert.Equal(t, "NIFTY", s.Underlying())
	assert.Equal(t, "NIFTY27Aug2624500CE", s.String())
}

func TestNewOptionSymbolRejectsBadInputs(t *testing.T) {
	expiry := time.Now()
	_, err := NewOptionSymbol("NIFTY", expiry, -1, RightCall, ExchangeNFO)
	assert.Error(t, err)

	_, err = NewOptionSymbol("NIFTY", expiry, 100, "XX", ExchangeNFO)
	assert.Error(t, err)

	_, err = NewOptionSymbol("NIFTY", expiry, 100, RightCall, "BSE")
	assert.Error(t, err)
}

func TestBarValidate(t *testing.T) {
	good := Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 100}
	assert.NoError(t, good.Validate())

	bad := Bar{Open: 10, High: 9, Low: 9, Close: 11, Volume: 100}
	assert.Error(t, bad.Validate())

	negVol := Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}
	assert.Error(t, negVol.Validate())
}

func TestBarSeriesValidateOrdering(t *testing.T) {
	now := time.Now()
	s := BarSeries{Bars: []Bar{
		{Timestamp: now, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1},
		{Timestamp: now.Add(-time.Minute), Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1},
	}}
	assert.Error(t, s.Validate())

	dup := BarSeries{Bars: []Bar{
		{Timestamp: now, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1},
		{Timestamp: now, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1},
	}}
	assert.Error(t, dup.Validate())
}

func TestPositionValidate(t *testing.T) {
	sym, _ := NewEquitySymbol("ACME")
	good := Position{Symbol: sym, Shares: 10, EntryPrice: 100, StopLoss: 95, TakeProfit: 110}
	assert.NoError(t, good.Validate())

	badOrder := Position{Symbol: sym, Shares: 10, EntryPrice: 100, StopLoss: 101, TakeProfit: 110}
	assert.Error(t, badOrder.Validate())

	badLot := Position{Symbol: sym, Shares: 7, EntryPrice: 100, StopLoss: 95, TakeProfit: 110, LotSize: 5}
	assert.Error(t, badLot.Validate())
}

func TestCorrelationMatrixSymmetric(t *testing.T) {
	m := NewCorrelationMatrix()
	m.Set("NIFTY", "SENSEX", 0.95)
	assert.Equal(t, 0.95, m.Get("NIFTY", "SENSEX"))
	assert.Equal(t, 0.95, m.Get("SENSEX", "NIFTY"))
	assert.Equal(t, 0.0, m.Get("NIFTY", "BANKNIFTY"))
	assert.Equal(t, 1.0, m.Get("NIFTY", "NIFTY"))
}
