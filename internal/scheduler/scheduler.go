// Package scheduler implements the scan loop (C9, §4.9): the process that
// ties market data, strategies, the aggregator, the portfolio and the F&O
// composer into the per-iteration cycle that drives live and paper trading.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/fno"
	"github.com/kestrelquant/engine/internal/marketdata"
	"github.com/kestrelquant/engine/internal/persistence"
	"github.com/kestrelquant/engine/internal/strategies"
	"github.com/kestrelquant/engine/pkg/formulas"
	"github.com/rs/zerolog"
)

// BarSource is the subset of *marketdata.Provider the scheduler needs.
type BarSource interface {
	FetchBarsBatch(symbols []domain.Symbol, interval string, lookbackDays int, batchSize int, interBatchDelay time.Duration) map[string]marketdata.BatchResult
}

// Aggregator is the subset of *aggregator.Aggregator the scheduler needs.
type Aggregator interface {
	Aggregate(symbol domain.Symbol, signals []domain.Signal, hasOpenPosition bool) domain.AggregatedSignal
}

// Book is the subset of *portfolio.Portfolio the scheduler drives.
type Book interface {
	Positions() map[string]domain.Position
	ExecuteBuy(symbol domain.Symbol, requestedShares int, priceHint, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error)
	ClosePosition(symbol domain.Symbol, reason string, mode domain.Mode) (domain.Trade, error)
	UpdateRiskExits(priceMap map[string]float64, mode domain.Mode) []domain.Trade
	MarkToMarket(priceMap map[string]float64) float64
	Counters() domain.Counters
	InCooldown(symbol string) bool
	Cash() float64
	Snapshot() domain.PortfolioSnapshot
	Restore(snap domain.PortfolioSnapshot, now time.Time)
}

// Publisher is the telemetry sink's publish surface (C11). A no-op
// implementation is adequate when telemetry is unconfigured.
type Publisher interface {
	PublishTrade(trade domain.Trade)
	PublishPortfolio(totalValue float64, positions map[string]domain.Position, counters domain.Counters)
	PublishPerformance(counters domain.Counters)
	PublishStatus(status domain.EngineStatus)
}

// Config holds every tunable the scan loop reads (§4.9, §6).
type Config struct {
	Symbols            []domain.Symbol
	SectorOf           func(domain.Symbol) string
	Interval           string
	LookbackDays       int
	BatchSize          int
	InterBatchDelay    time.Duration
	CheckInterval      time.Duration
	OffHoursInterval   time.Duration
	BypassMarketHours  bool
	MaxPositions       int
	MinConfidenceEntry float64
	AggressiveProfile  bool // disables the scheduler-level trend filter (§9 resolution)
	TrendFilterShortN  int
	TrendFilterLongN   int
	Mode               domain.Mode
}

// DefaultConfig mirrors the §6 defaults not already owned by another
// component's own config (aggregator thresholds, portfolio sizing).
func DefaultConfig() Config {
	return Config{
		Interval:           "5minute",
		LookbackDays:       60,
		BatchSize:          10,
		InterBatchDelay:    300 * time.Millisecond,
		CheckInterval:      30 * time.Second,
		OffHoursInterval:   5 * time.Minute,
		MaxPositions:       25,
		MinConfidenceEntry: 0.45,
		TrendFilterShortN:  10,
		TrendFilterLongN:   30,
		Mode:               domain.ModePaper,
	}
}

// Scheduler runs the C9 scan loop against one symbol universe.
type Scheduler struct {
	cfg        Config
	gate       Gate
	bars       BarSource
	aggregator Aggregator
	book       Book
	composer   *fno.Composer
	candidates func(now time.Time) []fno.Candidate // builds this iteration's F&O candidates, nil disables F&O scanning
	snapshots  *persistence.SnapshotStore
	archivist  *persistence.Archivist
	publisher  Publisher
	log        zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	iteration        int64
	dayCloseExecuted string
	lastArchiveDay   string
}

// New builds a Scheduler. candidates may be nil to disable F&O scanning
// entirely (equity-only deployments).
func New(
	cfg Config,
	gate Gate,
	bars BarSource,
	agg Aggregator,
	book Book,
	composer *fno.Composer,
	candidates func(now time.Time) []fno.Candidate,
	snapshots *persistence.SnapshotStore,
	archivist *persistence.Archivist,
	publisher Publisher,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		gate:       gate,
		bars:       bars,
		aggregator: agg,
		book:       book,
		composer:   composer,
		candidates: candidates,
		snapshots:  snapshots,
		archivist:  archivist,
		publisher:  publisher,
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Restore loads any persisted SchedulerState, restoring portfolio state and
// the day_close_executed/last_archive_day latches, then republishes a
// portfolio/performance snapshot so external observers are consistent with
// the restored state (§4.10 "Restart restoration").
func (s *Scheduler) Restore() {
	state := s.snapshots.Read()
	if state.Mode != "" && state.Mode != s.cfg.Mode {
		s.log.Warn().Str("persisted_mode", string(state.Mode)).Str("running_mode", string(s.cfg.Mode)).
			Msg("persisted state mode mismatch, starting fresh")
		return
	}
	if state.TradingDay != "" && state.TradingDay > TradingDay(s.now()) {
		s.log.Warn().Str("persisted_day", state.TradingDay).Msg("persisted trading day is in the future, starting fresh")
		return
	}

	s.book.Restore(state.Portfolio, s.now())
	s.iteration = state.Iteration
	s.dayCloseExecuted = state.DayCloseExecuted
	s.lastArchiveDay = state.LastArchiveDay

	s.publisher.PublishPortfolio(s.book.MarkToMarket(state.LastPrices), s.book.Positions(), s.book.Counters())
	s.publisher.PublishPerformance(s.book.Counters())
}

// Run blocks executing the scan loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sleepFor := s.Tick()
		if sleepFor <= 0 {
			sleepFor = s.cfg.CheckInterval
		}
		s.sleep(sleepFor)
	}
}

// Status reports the engine's current status on demand, for the ops
// introspection endpoint and any out-of-band telemetry poll (§4.9
// emit_status). It does not mutate scheduler state.
func (s *Scheduler) Status() domain.EngineStatus {
	now := s.now()
	state := s.gate.State(now, s.cfg.BypassMarketHours)
	return domain.EngineStatus{
		Iteration:  s.iteration,
		State:      state.State,
		TradingDay: TradingDay(now),
		Timestamp:  now,
		Positions:  len(s.book.Positions()),
		Cash:       s.book.Cash(),
	}
}

// Tick executes exactly one scan-loop iteration and returns how long the
// caller should sleep before the next one. Exported as a single step so
// tests can drive the loop deterministically without a real clock.
func (s *Scheduler) Tick() time.Duration {
	s.iteration++
	now := s.now()
	day := TradingDay(now)

	state := s.gate.State(now, s.cfg.BypassMarketHours)

	if state.State == domain.MarketClosed {
		s.publisher.PublishStatus(domain.EngineStatus{Iteration: s.iteration, State: state.State, TradingDay: day, Timestamp: now, Positions: len(s.book.Positions()), Cash: s.book.Cash()})
		s.persist(now, day, nil)
		return s.cfg.OffHoursInterval
	}

	batch := s.bars.FetchBarsBatch(s.cfg.Symbols, s.cfg.Interval, s.cfg.LookbackDays, s.cfg.BatchSize, s.cfg.InterBatchDelay)
	signals, lastPrices, trends := s.evaluateSignals(batch)

	if state.State != domain.MarketPreOpen {
		s.runExits(signals, lastPrices)
		if state.State == domain.MarketOpen {
			s.runEntries(signals, trends)
		}
		s.runFNOScan(now)
	}

	if state.TimeToClose > -60*time.Minute && state.TimeToClose <= 5*time.Minute && s.dayCloseExecuted != day {
		s.closeAllPositions()
		s.dayCloseExecuted = day
		s.closeDay(day)
	}

	totalValue := s.book.MarkToMarket(lastPrices)
	s.publisher.PublishPortfolio(totalValue, s.book.Positions(), s.book.Counters())
	s.publisher.PublishPerformance(s.book.Counters())
	s.publisher.PublishStatus(domain.EngineStatus{Iteration: s.iteration, State: state.State, TradingDay: day, Timestamp: now, Positions: len(s.book.Positions()), Cash: s.book.Cash()})

	s.persist(now, day, lastPrices)
	return s.cfg.CheckInterval
}

// atrPeriod is the lookback for the ATR fed into position sizing and the
// stop/target/trailing calculations (§4.7), matching the atr_stop_multiplier
// / atr_target_multiplier pairing's usual 14-bar convention.
const atrPeriod = 14

func (s *Scheduler) evaluateSignals(batch map[string]marketdata.BatchResult) (map[string]domain.AggregatedSignal, map[string]float64, map[string]domain.Trend) {
	signals := make(map[string]domain.AggregatedSignal, len(batch))
	lastPrices := make(map[string]float64, len(batch))
	trends := make(map[string]domain.Trend, len(batch))
	positions := s.book.Positions()

	for key, result := range batch {
		if result.Err != nil || result.Series.Len() == 0 {
			continue
		}
		last, ok := result.Series.Last()
		if !ok {
			continue
		}
		lastPrices[key] = last.Close

		var raw []domain.Signal
		for _, strat := range strategies.All() {
			raw = append(raw, strat.Evaluate(result.Series))
		}
		_, hasPosition := positions[key]
		sig := s.aggregator.Aggregate(result.Symbol, raw, hasPosition)

		// The aggregator is pure signal-voting (§4.4) and never sees prices;
		// the scheduler is what has both the aggregated decision and the
		// batch's BarSeries, so it fills in the execution-time fields here.
		closePrice := last.Close
		sig.LastClose = &closePrice
		sig.ATR = formulas.ATR(result.Series.Highs(), result.Series.Lows(), result.Series.Closes(), atrPeriod)

		signals[key] = sig
		trends[key] = equityTrend(result.Series, s.cfg.TrendFilterShortN, s.cfg.TrendFilterLongN)
	}
	return signals, lastPrices, trends
}

// runExits applies the §4.9 "exits first" rule: a sell-side aggregated
// signal closes the position outright; otherwise risk exits (stop/target/
// trailing) are still evaluated. Neither path is gated by cooldown, trend
// filter, or confidence-top-N — only discretionary entries are (§4.9 "Exit
// guarantees").
func (s *Scheduler) runExits(signals map[string]domain.AggregatedSignal, lastPrices map[string]float64) {
	for key, pos := range s.book.Positions() {
		sig, ok := signals[key]
		if ok && sig.Action == domain.ActionSell {
			trade, err := s.book.ClosePosition(pos.Symbol, "signal_exit", s.cfg.Mode)
			if err == nil {
				s.publisher.PublishTrade(trade)
			}
		}
	}
	for _, trade := range s.book.UpdateRiskExits(lastPrices, s.cfg.Mode) {
		s.publisher.PublishTrade(trade)
	}
}

// runEntries places new positions sorted by confidence descending, gated
// by max_positions, cooldown, minimum confidence, and (unless the
// aggressive profile is active) the scheduler-level trend filter.
func (s *Scheduler) runEntries(signals map[string]domain.AggregatedSignal, trends map[string]domain.Trend) {
	ordered := make([]domain.AggregatedSignal, 0, len(signals))
	for _, sig := range signals {
		if sig.Action == domain.ActionBuy {
			ordered = append(ordered, sig)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Confidence > ordered[j].Confidence })

	positions := s.book.Positions()
	for _, sig := range ordered {
		if len(positions) >= s.cfg.MaxPositions {
			return
		}
		key := sig.Symbol.String()
		if _, held := positions[key]; held {
			continue
		}
		if sig.Confidence < s.cfg.MinConfidenceEntry {
			continue
		}
		if s.book.InCooldown(key) {
			continue
		}
		if !s.cfg.AggressiveProfile && trends[key] == domain.TrendBearish {
			continue
		}
		if sig.LastClose == nil {
			continue
		}
		size := sizeByConfidence(sig.Confidence, s.book.Cash(), *sig.LastClose)
		trade, err := s.book.ExecuteBuy(sig.Symbol, size, *sig.LastClose, sig.Confidence, s.sectorOf(sig.Symbol), sig.ATR, 0, domain.ProductEquity, s.cfg.Mode)
		if err != nil {
			continue
		}
		s.publisher.PublishTrade(trade)
		positions[key] = domain.Position{Symbol: sig.Symbol}
	}
}

// sizeByConfidence is the scan loop's entry-sizing cap (§4.9 pseudocode
// "size = size_by_confidence(signal.confidence, cash)"): the share count a
// confidence-scaled slice of available cash would buy at priceHint. The
// portfolio's own risk-budget/position-value sizing (ExecuteBuy ->
// sizePosition) still caps this further; this is only the caller's offer,
// never an entitlement.
func sizeByConfidence(confidence, cash, priceHint float64) int {
	if priceHint <= 0 || cash <= 0 {
		return 0
	}
	fraction := confidence
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	shares := int((cash * fraction) / priceHint)
	if shares < 1 {
		shares = 1
	}
	return shares
}

func (s *Scheduler) runFNOScan(now time.Time) {
	if s.composer == nil || s.candidates == nil {
		return
	}
	for _, result := range s.composer.Scan(s.candidates(now)) {
		for _, leg := range result.Legs {
			s.publisher.PublishTrade(leg)
		}
	}
}

// closeAllPositions squares off every equity position at day-end. F&O
// positions are deliberately left open — they carry to the next trading
// day and are recorded separately by closeDay's carry file, since an
// index option's expiry rarely coincides with a single trading day.
func (s *Scheduler) closeAllPositions() {
	for _, pos := range s.book.Positions() {
		if pos.ProductType == domain.ProductOption {
			continue
		}
		trade, err := s.book.ClosePosition(pos.Symbol, "day_end_close", s.cfg.Mode)
		if err == nil {
			s.publisher.PublishTrade(trade)
		}
	}
}

func (s *Scheduler) closeDay(day string) {
	state := domain.SchedulerState{
		Mode:             s.cfg.Mode,
		Iteration:        s.iteration,
		TradingDay:       day,
		LastUpdate:       s.now(),
		Portfolio:        s.book.Snapshot(),
		LastArchiveDay:   s.lastArchiveDay,
		DayCloseExecuted: s.dayCloseExecuted,
	}
	openingCash := state.Portfolio.InitialCash
	if _, err := s.archivist.CloseDay(day, s.cfg.Mode, state, openingCash); err != nil {
		s.log.Error().Err(err).Str("trading_day", day).Msg("end-of-day archive failed")
		return
	}

	var carried []domain.Position
	for _, pos := range state.Portfolio.Positions {
		if pos.ProductType == domain.ProductOption {
			carried = append(carried, pos)
		}
	}
	if len(carried) > 0 {
		if err := s.archivist.WriteFNOCarryPositions(day, carried); err != nil {
			s.log.Warn().Err(err).Str("trading_day", day).Msg("failed to write F&O carry file")
		}
	}

	s.lastArchiveDay = day
}

func (s *Scheduler) persist(now time.Time, day string, lastPrices map[string]float64) {
	state := domain.SchedulerState{
		Mode:             s.cfg.Mode,
		Iteration:        s.iteration,
		TradingDay:       day,
		LastUpdate:       now,
		Portfolio:        s.book.Snapshot(),
		LastPrices:       lastPrices,
		LastArchiveDay:   s.lastArchiveDay,
		DayCloseExecuted: s.dayCloseExecuted,
	}
	if err := s.snapshots.Write(state); err != nil {
		s.log.Warn().Err(err).Msg("state persistence failed, continuing with in-memory state")
	}
}

func (s *Scheduler) sectorOf(symbol domain.Symbol) string {
	if s.cfg.SectorOf == nil {
		return ""
	}
	return s.cfg.SectorOf(symbol)
}

// equityTrend is the scheduler-level trend filter (§9 resolution: enforced
// here, not in the aggregator). It reuses the regime detector's short/long
// moving-average separation technique at per-equity scale rather than
// per-index, since C5 only classifies indices.
func equityTrend(series domain.BarSeries, shortN, longN int) domain.Trend {
	if shortN <= 0 || longN <= 0 || series.Len() < longN {
		return domain.TrendSideways
	}
	closes := series.Closes()
	shortMA := formulas.Mean(closes[len(closes)-shortN:])
	longMA := formulas.Mean(closes[len(closes)-longN:])
	switch {
	case shortMA > longMA:
		return domain.TrendBullish
	case shortMA < longMA:
		return domain.TrendBearish
	default:
		return domain.TrendSideways
	}
}
