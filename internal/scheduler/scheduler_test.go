package scheduler

import (
	"testing"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/marketdata"
	"github.com/kestrelquant/engine/internal/persistence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schedSymbol(t *testing.T, ticker string) domain.Symbol {
	s, err := domain.NewEquitySymbol(ticker)
	require.NoError(t, err)
	return s
}

type fakeBars struct {
	results map[string]marketdata.BatchResult
}

func (f *fakeBars) FetchBarsBatch(symbols []domain.Symbol, interval string, lookbackDays int, batchSize int, interBatchDelay time.Duration) map[string]marketdata.BatchResult {
	return f.results
}

type fakeAggregator struct {
	decisions map[string]domain.AggregatedSignal
}

func (f *fakeAggregator) Aggregate(symbol domain.Symbol, signals []domain.Signal, hasOpenPosition bool) domain.AggregatedSignal {
	if d, ok := f.decisions[symbol.String()]; ok {
		return d
	}
	return domain.AggregatedSignal{Symbol: symbol, Action: domain.ActionHold}
}

type fakeBook struct {
	cash        float64
	positions   map[string]domain.Position
	buys        []string
	closed      []string
	cooldowns   map[string]bool
	restoreCall *domain.PortfolioSnapshot
}

func (f *fakeBook) Positions() map[string]domain.Position {
	out := make(map[string]domain.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out
}

func (f *fakeBook) ExecuteBuy(symbol domain.Symbol, requestedShares int, priceHint, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error) {
	f.buys = append(f.buys, symbol.String())
	f.positions[symbol.String()] = domain.Position{Symbol: symbol, Shares: 1, EntryPrice: priceHint, ProductType: product}
	return domain.Trade{Symbol: symbol, Side: domain.SideBuy, Price: priceHint}, nil
}

func (f *fakeBook) ClosePosition(symbol domain.Symbol, reason string, mode domain.Mode) (domain.Trade, error) {
	f.closed = append(f.closed, symbol.String()+":"+reason)
	delete(f.positions, symbol.String())
	return domain.Trade{Symbol: symbol, Side: domain.SideSell, Reason: reason}, nil
}

func (f *fakeBook) UpdateRiskExits(priceMap map[string]float64, mode domain.Mode) []domain.Trade {
	return nil
}
func (f *fakeBook) MarkToMarket(priceMap map[string]float64) float64 { return f.cash }
func (f *fakeBook) Counters() domain.Counters                        { return domain.Counters{} }
func (f *fakeBook) InCooldown(symbol string) bool                    { return f.cooldowns[symbol] }
func (f *fakeBook) Cash() float64                                    { return f.cash }
func (f *fakeBook) Snapshot() domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{Cash: f.cash, Positions: f.Positions()}
}
func (f *fakeBook) Restore(snap domain.PortfolioSnapshot, now time.Time) {
	snapCopy := snap
	f.restoreCall = &snapCopy
	f.cash = snap.Cash
	f.positions = snap.Positions
}

type fakePublisher struct {
	trades   []domain.Trade
	statuses []domain.EngineStatus
}

func (f *fakePublisher) PublishTrade(trade domain.Trade) { f.trades = append(f.trades, trade) }
func (f *fakePublisher) PublishPortfolio(totalValue float64, positions map[string]domain.Position, counters domain.Counters) {
}
func (f *fakePublisher) PublishPerformance(counters domain.Counters) {}
func (f *fakePublisher) PublishStatus(status domain.EngineStatus) {
	f.statuses = append(f.statuses, status)
}

func newTestScheduler(t *testing.T, cfg Config, bars *fakeBars, agg *fakeAggregator, book *fakeBook, pub *fakePublisher) *Scheduler {
	dir := t.TempDir()
	snaps := persistence.NewSnapshotStore(dir+"/current_state.json", zerolog.Nop())
	archivist := persistence.NewArchivist(dir, nil, zerolog.Nop())
	return New(cfg, NewGate(nil), bars, agg, book, nil, nil, snaps, archivist, pub, zerolog.Nop())
}

func TestTickSkipsScanWhenMarketClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BypassMarketHours = false
	book := &fakeBook{positions: map[string]domain.Position{}}
	pub := &fakePublisher{}
	sched := newTestScheduler(t, cfg, &fakeBars{}, &fakeAggregator{}, book, pub)
	sched.now = func() time.Time { return istTime(2026, 7, 30, 3, 0) }

	sleepFor := sched.Tick()
	assert.Equal(t, cfg.OffHoursInterval, sleepFor)
	require.Len(t, pub.statuses, 1)
	assert.Equal(t, domain.MarketClosed, pub.statuses[0].State)
}

func TestTickPlacesEntryAboveConfidenceFloor(t *testing.T) {
	sym := schedSymbol(t, "ACME")
	cfg := DefaultConfig()
	cfg.Symbols = []domain.Symbol{sym}
	cfg.BypassMarketHours = true
	cfg.MinConfidenceEntry = 0.5
	cfg.AggressiveProfile = true // skip the trend filter so a flat series still enters

	price := 100.0
	bars := &fakeBars{results: map[string]marketdata.BatchResult{
		sym.String(): {Symbol: sym, Series: flatBarSeries(t, sym, price, 40)},
	}}
	agg := &fakeAggregator{decisions: map[string]domain.AggregatedSignal{
		sym.String(): {Symbol: sym, Action: domain.ActionBuy, Confidence: 0.8, LastClose: &price},
	}}
	book := &fakeBook{positions: map[string]domain.Position{}}
	pub := &fakePublisher{}

	sched := newTestScheduler(t, cfg, bars, agg, book, pub)
	sched.now = func() time.Time { return istTime(2026, 7, 30, 11, 0) }

	sched.Tick()
	assert.Contains(t, book.buys, sym.String())
}

func TestTickSkipsEntryBelowConfidenceFloor(t *testing.T) {
	sym := schedSymbol(t, "ACME")
	cfg := DefaultConfig()
	cfg.Symbols = []domain.Symbol{sym}
	cfg.BypassMarketHours = true
	cfg.MinConfidenceEntry = 0.5

	price := 100.0
	bars := &fakeBars{results: map[string]marketdata.BatchResult{
		sym.String(): {Symbol: sym, Series: flatBarSeries(t, sym, price, 40)},
	}}
	agg := &fakeAggregator{decisions: map[string]domain.AggregatedSignal{
		sym.String(): {Symbol: sym, Action: domain.ActionBuy, Confidence: 0.2, LastClose: &price},
	}}
	book := &fakeBook{positions: map[string]domain.Position{}}
	pub := &fakePublisher{}

	sched := newTestScheduler(t, cfg, bars, agg, book, pub)
	sched.now = func() time.Time { return istTime(2026, 7, 30, 11, 0) }

	sched.Tick()
	assert.Empty(t, book.buys)
}

func TestTickClosesPositionOnAggregatedSellSignal(t *testing.T) {
	sym := schedSymbol(t, "ACME")
	cfg := DefaultConfig()
	cfg.Symbols = []domain.Symbol{sym}
	cfg.BypassMarketHours = true

	price := 90.0
	bars := &fakeBars{results: map[string]marketdata.BatchResult{
		sym.String(): {Symbol: sym, Series: flatBarSeries(t, sym, price, 40)},
	}}
	agg := &fakeAggregator{decisions: map[string]domain.AggregatedSignal{
		sym.String(): {Symbol: sym, Action: domain.ActionSell, Confidence: 0.6},
	}}
	book := &fakeBook{positions: map[string]domain.Position{sym.String(): {Symbol: sym, Shares: 10, EntryPrice: 100}}}
	pub := &fakePublisher{}

	sched := newTestScheduler(t, cfg, bars, agg, book, pub)
	sched.now = func() time.Time { return istTime(2026, 7, 30, 11, 0) }

	sched.Tick()
	assert.Contains(t, book.closed, sym.String()+":signal_exit")
}

func TestTickClosesAllEquityPositionsAtDayEndAndSetsLatch(t *testing.T) {
	sym := schedSymbol(t, "ACME")
	cfg := DefaultConfig()
	cfg.Symbols = []domain.Symbol{sym}
	cfg.BypassMarketHours = false

	book := &fakeBook{positions: map[string]domain.Position{sym.String(): {Symbol: sym, Shares: 10, EntryPrice: 100, ProductType: domain.ProductEquity}}}
	pub := &fakePublisher{}
	sched := newTestScheduler(t, cfg, &fakeBars{results: map[string]marketdata.BatchResult{}}, &fakeAggregator{}, book, pub)
	sched.now = func() time.Time { return istTime(2026, 7, 30, 15, 27) } // time_to_close = 3min

	sched.Tick()
	assert.Contains(t, book.closed, sym.String()+":day_end_close")
	assert.Equal(t, "2026-07-30", sched.dayCloseExecuted)

	// A second tick the same day must not re-run the close.
	book.closed = nil
	sched.Tick()
	assert.Empty(t, book.closed)
}

func TestRestoreRejectsFutureTradingDay(t *testing.T) {
	cfg := DefaultConfig()
	dir := t.TempDir()
	snaps := persistence.NewSnapshotStore(dir+"/current_state.json", zerolog.Nop())
	require.NoError(t, snaps.Write(domain.SchedulerState{Mode: domain.ModePaper, TradingDay: "2099-01-01", Iteration: 5}))
	archivist := persistence.NewArchivist(dir, nil, zerolog.Nop())
	book := &fakeBook{positions: map[string]domain.Position{}}
	pub := &fakePublisher{}
	sched := New(cfg, NewGate(nil), &fakeBars{}, &fakeAggregator{}, book, nil, nil, snaps, archivist, pub, zerolog.Nop())
	sched.now = func() time.Time { return istTime(2026, 7, 30, 11, 0) }

	sched.Restore()
	assert.Nil(t, book.restoreCall)
	assert.Equal(t, int64(0), sched.iteration)
}

func TestRestoreAppliesPersistedStateWhenModeMatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = domain.ModePaper
	dir := t.TempDir()
	snaps := persistence.NewSnapshotStore(dir+"/current_state.json", zerolog.Nop())
	require.NoError(t, snaps.Write(domain.SchedulerState{
		Mode: domain.ModePaper, TradingDay: "2026-07-29", Iteration: 5,
		Portfolio: domain.PortfolioSnapshot{Cash: 50000, Positions: map[string]domain.Position{}},
	}))
	archivist := persistence.NewArchivist(dir, nil, zerolog.Nop())
	book := &fakeBook{positions: map[string]domain.Position{}}
	pub := &fakePublisher{}
	sched := New(cfg, NewGate(nil), &fakeBars{}, &fakeAggregator{}, book, nil, nil, snaps, archivist, pub, zerolog.Nop())
	sched.now = func() time.Time { return istTime(2026, 7, 30, 11, 0) }

	sched.Restore()
	require.NotNil(t, book.restoreCall)
	assert.InDelta(t, 50000, book.restoreCall.Cash, 0.001)
	assert.Equal(t, int64(5), sched.iteration)
	require.Len(t, pub.trades, 0)
}

func flatBarSeries(t *testing.T, sym domain.Symbol, price float64, n int) domain.BarSeries {
	bars := make([]domain.Bar, n)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = domain.Bar{Timestamp: base.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price, Volume: 1000}
	}
	series := domain.BarSeries{Symbol: sym, Bars: bars}
	require.NoError(t, series.Validate())
	return series
}
