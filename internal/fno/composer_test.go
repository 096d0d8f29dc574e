package fno

import (
	"testing"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBook struct {
	cash       float64
	positions  map[string]domain.Position
	buys       []string
	shorts     []string
	closes     []string
	tags       map[string]string
	failSymbol string
}

func newFakeBook(cash float64) *fakeBook {
	return &fakeBook{cash: cash, positions: map[string]domain.Position{}, tags: map[string]string{}}
}

func (f *fakeBook) ExecuteBuy(symbol domain.Symbol, shares int, priceHint, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error) {
	if symbol.String() == f.failSymbol {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientCash, Symbol: symbol.String()}
	}
	f.buys = append(f.buys, symbol.String())
	f.positions[symbol.String()] = domain.Position{Symbol: symbol, Shares: shares, EntryPrice: priceHint, ProductType: product}
	return domain.Trade{Symbol: symbol, Side: domain.SideBuy, Shares: shares, Price: priceHint}, nil
}

func (f *fakeBook) ExecuteShortOpen(symbol domain.Symbol, shares int, premium, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error) {
	if symbol.String() == f.failSymbol {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientCash, Symbol: symbol.String()}
	}
	f.shorts = append(f.shorts, symbol.String())
	f.positions[symbol.String()] = domain.Position{Symbol: symbol, Shares: shares, EntryPrice: premium, ProductType: product, Short: true}
	return domain.Trade{Symbol: symbol, Side: domain.SideSell, Shares: shares, Price: premium}, nil
}

func (f *fakeBook) ClosePosition(symbol domain.Symbol, reason string, mode domain.Mode) (domain.Trade, error) {
	f.closes = append(f.closes, symbol.String())
	delete(f.positions, symbol.String())
	return domain.Trade{Symbol: symbol, Reason: reason}, nil
}

func (f *fakeBook) TagTransaction(symbol domain.Symbol, txID string) {
	f.tags[symbol.String()] = txID
}

func (f *fakeBook) Positions() map[string]domain.Position {
	out := make(map[string]domain.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out
}

func (f *fakeBook) Cash() float64 { return f.cash }

type fakeQuotes struct {
	premiums map[string]float64 // keyed by right+offset-from-atm bucket via symbol string
	err      error
}

func (f *fakeQuotes) GetQuote(symbol domain.Symbol) (domain.Quote, error) {
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	price, ok := f.premiums[symbol.String()]
	if !ok {
		price = 10 // default cheap premium so unlisted legs don't break max-loss math
	}
	return domain.Quote{Symbol: symbol, Last: price}, nil
}

func niftyChars() domain.IndexCharacteristics {
	return domain.IndexCharacteristics{
		Symbol:       "NIFTY",
		PointValue:   75,
		LotSize:      75,
		MarginPerLot: 120_000,
		AvgDailyMove: 150,
		PriorityRank: 1,
		StrikeStep:   50,
	}
}

func weeklyExpiry(underlying string, now time.Time, minDaysOut int) time.Time {
	return now.AddDate(0, 0, minDaysOut+1)
}

func baseCandidate() Candidate {
	atr := 80.0
	return Candidate{
		Chars:  niftyChars(),
		Regime: domain.Regime{Trend: domain.TrendBullish, Volatility: domain.VolNormal, Confidence: 0.8},
		Signal: domain.AggregatedSignal{Action: domain.ActionBuy, Confidence: 0.7},
		Spot:   24_000,
		ATR:    &atr,
		Mode:   domain.ModePaper,
		Now:    time.Date(2026, 7, 27, 9, 30, 0, 0, time.UTC), // a Monday
	}
}

func TestSelectStrategyMatchesVolatilityTrendTable(t *testing.T) {
	assert.Equal(t, BullCallSpread, selectStrategy(domain.TrendBullish, domain.VolNormal))
	assert.Equal(t, BearPutSpread, selectStrategy(domain.TrendBearish, domain.VolLow))
	assert.Equal(t, IronCondor, selectStrategy(domain.TrendSideways, domain.VolNormal))
	assert.Equal(t, LongStraddle, selectStrategy(domain.TrendBullish, domain.VolHigh))
	assert.Equal(t, LongStraddle, selectStrategy(domain.TrendBearish, domain.VolHigh))
	assert.Equal(t, ShortStrangle, selectStrategy(domain.TrendSideways, domain.VolHigh))
	assert.Equal(t, Skip, selectStrategy(domain.TrendBullish, domain.VolExtreme))
	assert.Equal(t, Skip, selectStrategy(domain.TrendSideways, domain.VolExtreme))
}

func TestEvaluateBuildsBullCallSpreadAndExecutesBothLegs(t *testing.T) {
	book := newFakeBook(2_000_000)
	cand := baseCandidate()
	expiry := weeklyExpiry("NIFTY", cand.Now, DefaultConfig().MinDaysToExpiry)
	longSym, err := domain.NewOptionSymbol("NIFTY", expiry, 24000, domain.RightCall, domain.ExchangeNFO)
	require.NoError(t, err)
	shortSym, err := domain.NewOptionSymbol("NIFTY", expiry, 24100, domain.RightCall, domain.ExchangeNFO)
	require.NoError(t, err)
	quotes := &fakeQuotes{premiums: map[string]float64{longSym.String(): 50, shortSym.String(): 20}}
	corr := domain.NewCorrelationMatrix()
	composer := New(book, quotes, corr, DefaultConfig(), weeklyExpiry, zerolog.Nop())

	results := composer.Scan([]Candidate{cand})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, BullCallSpread, results[0].Kind)
	assert.Len(t, book.buys, 1)   // long call leg
	assert.Len(t, book.shorts, 1) // short call leg
	assert.NotEmpty(t, results[0].TransactionID)
	for sym, tag := range book.tags {
		assert.Equal(t, results[0].TransactionID, tag, sym)
	}
}

func TestEvaluateRejectsWhenAlreadyEngaged(t *testing.T) {
	book := newFakeBook(2_000_000)
	sym, err := domain.NewOptionSymbol("NIFTY", time.Now(), 24000, domain.RightCall, domain.ExchangeNFO)
	require.NoError(t, err)
	book.positions[sym.String()] = domain.Position{Symbol: sym, Shares: 75, ProductType: domain.ProductOption}
	quotes := &fakeQuotes{premiums: map[string]float64{}}
	composer := New(book, quotes, domain.NewCorrelationMatrix(), DefaultConfig(), weeklyExpiry, zerolog.Nop())

	results := composer.Scan([]Candidate{baseCandidate()})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	var riskErr *domain.RiskError
	require.ErrorAs(t, results[0].Err, &riskErr)
	assert.Equal(t, domain.RiskAlreadyEngaged, riskErr.Kind)
}

func TestEvaluateRejectsOnCorrelationBlock(t *testing.T) {
	book := newFakeBook(2_000_000)
	bankNiftySym, err := domain.NewOptionSymbol("BANKNIFTY", time.Now(), 51000, domain.RightCall, domain.ExchangeNFO)
	require.NoError(t, err)
	book.positions[bankNiftySym.String()] = domain.Position{Symbol: bankNiftySym, Shares: 30, ProductType: domain.ProductOption}

	corr := domain.NewCorrelationMatrix()
	corr.Set("NIFTY", "BANKNIFTY", 0.95)
	quotes := &fakeQuotes{premiums: map[string]float64{}}
	composer := New(book, quotes, corr, DefaultConfig(), weeklyExpiry, zerolog.Nop())

	results := composer.Scan([]Candidate{baseCandidate()})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	var riskErr *domain.RiskError
	require.ErrorAs(t, results[0].Err, &riskErr)
	assert.Equal(t, domain.RiskCorrelationBlock, riskErr.Kind)
}

func TestEvaluateRejectsBelowMinEntryConfidence(t *testing.T) {
	book := newFakeBook(2_000_000)
	quotes := &fakeQuotes{premiums: map[string]float64{}}
	composer := New(book, quotes, domain.NewCorrelationMatrix(), DefaultConfig(), weeklyExpiry, zerolog.Nop())

	cand := baseCandidate()
	cand.Signal.Confidence = 0.1
	results := composer.Scan([]Candidate{cand})
	require.Error(t, results[0].Err)
	var riskErr *domain.RiskError
	require.ErrorAs(t, results[0].Err, &riskErr)
}

func TestEvaluateSkipsOnExtremeVolatility(t *testing.T) {
	book := newFakeBook(2_000_000)
	quotes := &fakeQuotes{premiums: map[string]float64{}}
	composer := New(book, quotes, domain.NewCorrelationMatrix(), DefaultConfig(), weeklyExpiry, zerolog.Nop())

	cand := baseCandidate()
	cand.Regime.Volatility = domain.VolExtreme
	results := composer.Scan([]Candidate{cand})
	require.Error(t, results[0].Err)
	assert.Equal(t, Skip, results[0].Kind)
	assert.Empty(t, book.buys)
	assert.Empty(t, book.shorts)
}

func TestEvaluateAbortsOnExcessiveMaxLoss(t *testing.T) {
	book := newFakeBook(2_000_000)
	sym, err := domain.NewOptionSymbol("NIFTY", weeklyExpiry("NIFTY", baseCandidate().Now, DefaultConfig().MinDaysToExpiry), 24000, domain.RightCall, domain.ExchangeNFO)
	require.NoError(t, err)
	// long leg premium far above the short leg's, inflating net debit past
	// cash*max_trade_risk_pct.
	quotes := &fakeQuotes{premiums: map[string]float64{sym.String(): 100_000}}
	composer := New(book, quotes, domain.NewCorrelationMatrix(), DefaultConfig(), weeklyExpiry, zerolog.Nop())

	results := composer.Scan([]Candidate{baseCandidate()})
	require.Error(t, results[0].Err)
	var execErr *domain.ExecutionError
	require.ErrorAs(t, results[0].Err, &execErr)
	assert.Equal(t, domain.ExecInvalidPremium, execErr.Kind)
	assert.Empty(t, book.buys)
}

func TestEvaluateReversesCompletedLegOnPartialFailure(t *testing.T) {
	book := newFakeBook(10_000_000) // comfortably above the short strangle's margin-proxy max-loss
	quotes := &fakeQuotes{premiums: map[string]float64{}}
	composer := New(book, quotes, domain.NewCorrelationMatrix(), DefaultConfig(), weeklyExpiry, zerolog.Nop())

	// Short strangle builds the call leg first, then the put leg. Failing
	// the put leg should reverse the already-placed call leg.
	cand := baseCandidate()
	cand.Regime.Trend = domain.TrendSideways
	cand.Regime.Volatility = domain.VolHigh
	expiry := weeklyExpiry("NIFTY", cand.Now, DefaultConfig().MinDaysToExpiry)
	putSym, err := domain.NewOptionSymbol("NIFTY", expiry, 23900, domain.RightPut, domain.ExchangeNFO)
	require.NoError(t, err)
	book.failSymbol = putSym.String()

	results := composer.Scan([]Candidate{cand})
	require.Error(t, results[0].Err)
	assert.Equal(t, ShortStrangle, results[0].Kind)
	assert.Len(t, book.shorts, 1, "the call leg should have been placed before the put leg failed")
	assert.Len(t, book.closes, 1, "the call leg should have been reversed")
}

func TestAtmStrikeRoundsToStrikeStep(t *testing.T) {
	assert.Equal(t, 24000.0, atmStrike(23980, 50))
	assert.Equal(t, 24050.0, atmStrike(24030, 50))
	assert.Equal(t, 23980.0, atmStrike(23980, 0))
}

func TestWingOffsetRoundsATRMultipleToStrikeStep(t *testing.T) {
	atr := 80.0
	offset := wingOffset(&atr, 1.5, 50)
	assert.Equal(t, 100.0, offset) // 1.5*80=120 -> nearest 50-step is 100

	assert.Equal(t, 50.0, wingOffset(nil, 1.5, 50))
}
