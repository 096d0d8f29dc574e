// Package backtest implements the fast-path batched replay harness: the
// identical strategy -> aggregator -> portfolio pipeline the live scan loop
// (internal/scheduler) drives, run here against historical BarSeries with
// the broker gateway replaced by a deterministic fill simulator. There are
// no wall-clock sleeps anywhere on this path.
package backtest

import (
	"fmt"
	"time"

	"github.com/kestrelquant/engine/internal/broker"
	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/portfolio"
	"github.com/kestrelquant/engine/internal/reliability"
	"github.com/kestrelquant/engine/internal/strategies"
	"github.com/kestrelquant/engine/pkg/formulas"
	"github.com/rs/zerolog"
)

// Aggregator is the subset of *aggregator.Aggregator the replay needs —
// the same narrow interface internal/scheduler depends on.
type Aggregator interface {
	Aggregate(symbol domain.Symbol, signals []domain.Signal, hasOpenPosition bool) domain.AggregatedSignal
}

const atrPeriod = 14

// Config mirrors the scheduler-level entry gating knobs a live run applies
// (§4.9), so a backtest and a live run of the same symbol set make
// identical entry/exit decisions given identical signals.
type Config struct {
	MaxPositions       int
	MinConfidenceEntry float64
	AggressiveProfile  bool
	TrendFilterShortN  int
	TrendFilterLongN   int
	SectorOf           func(domain.Symbol) string
	PortfolioConfig    portfolio.Config
}

// DefaultConfig mirrors internal/scheduler's DefaultConfig entry-gating
// values plus internal/portfolio's own defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositions:       25,
		MinConfidenceEntry: 0.45,
		TrendFilterShortN:  10,
		TrendFilterLongN:   30,
		PortfolioConfig:    portfolio.DefaultConfig(),
	}
}

// EquityPoint is one mark-to-market sample of the replay's running total
// portfolio value.
type EquityPoint struct {
	Timestamp  time.Time
	TotalValue float64
}

// Result is everything a backtest run produces.
type Result struct {
	Trades        []domain.Trade
	EquityCurve   []EquityPoint
	FinalSnapshot domain.PortfolioSnapshot
	Counters      domain.Counters
}

// feedPrices is a broker.PriceSource the replay advances bar-by-bar: it
// always answers with whatever prices Run last set, so fills land exactly
// where the replay intends (next-bar open) without any live quote lookup.
type feedPrices struct {
	prices map[string]float64
}

func (f *feedPrices) LastPrice(symbol domain.Symbol) (float64, bool) {
	p, ok := f.prices[symbol.String()]
	return p, ok
}

func (f *feedPrices) set(prices map[string]float64) {
	f.prices = prices
}

// Run replays series bar-by-bar. All series must share the same length and
// an aligned timestamp axis (the same assumption the live scheduler's
// batched fetch already makes about one iteration's bars) — Run does not
// resample mismatched calendars. Entries and exits fill at the following
// bar's open; the final bar has no following open, so every remaining
// position is closed at the final bar's close.
func Run(series []domain.BarSeries, agg Aggregator, cfg Config, initialCash float64, log zerolog.Logger) (Result, error) {
	if len(series) == 0 {
		return Result{}, fmt.Errorf("backtest: no series provided")
	}
	n := series[0].Len()
	if n < 2 {
		return Result{}, fmt.Errorf("backtest: need at least 2 bars, got %d", n)
	}
	for _, s := range series {
		if s.Len() != n {
			return Result{}, fmt.Errorf("backtest: series length mismatch for %s (want %d, got %d)", s.Symbol.String(), n, s.Len())
		}
	}

	prices := &feedPrices{}
	paperClient := broker.NewPaperBroker(prices)
	gw := reliability.NewGateway(reliability.NewRateLimiter(1_000_000, 1_000_000), reliability.NewCircuitBreaker(1_000_000, time.Hour))
	gateway := broker.NewGateway(paperClient, gw, broker.PollConfig{Schedule: nil, Budget: time.Second}, log)
	book := portfolio.New(gateway, cfg.PortfolioConfig, initialCash, log)

	var trades []domain.Trade
	var curve []EquityPoint

	for i := 0; i < n-1; i++ {
		signals := make(map[string]domain.AggregatedSignal, len(series))
		trends := make(map[string]domain.Trend, len(series))
		closePrices := make(map[string]float64, len(series))
		nextOpens := make(map[string]float64, len(series))
		positions := book.Positions()

		for _, s := range series {
			key := s.Symbol.String()
			window := domain.BarSeries{Symbol: s.Symbol, Bars: s.Bars[:i+1]}
			closePrices[key] = window.Bars[i].Close
			nextOpens[key] = s.Bars[i+1].Open

			var raw []domain.Signal
			for _, strat := range strategies.All() {
				raw = append(raw, strat.Evaluate(window))
			}
			_, hasPos := positions[key]
			sig := agg.Aggregate(s.Symbol, raw, hasPos)
			lastClose := closePrices[key]
			sig.LastClose = &lastClose
			sig.ATR = formulas.ATR(window.Highs(), window.Lows(), window.Closes(), atrPeriod)
			signals[key] = sig
			trends[key] = trendOf(window, cfg.TrendFilterShortN, cfg.TrendFilterLongN)
		}

		prices.set(nextOpens)

		for key, pos := range book.Positions() {
			sig, ok := signals[key]
			if ok && sig.Action == domain.ActionSell {
				if trade, err := book.ClosePosition(pos.Symbol, "signal_exit", domain.ModeBacktest); err == nil {
					trades = append(trades, trade)
				}
			}
		}
		trades = append(trades, book.UpdateRiskExits(nextOpens, domain.ModeBacktest)...)

		trades = append(trades, runEntries(book, signals, trends, cfg)...)

		total := book.MarkToMarket(closePrices)
		curve = append(curve, EquityPoint{Timestamp: series[0].Bars[i].Timestamp, TotalValue: total})
	}

	lastIdx := n - 1
	finalPrices := make(map[string]float64, len(series))
	for _, s := range series {
		finalPrices[s.Symbol.String()] = s.Bars[lastIdx].Close
	}
	prices.set(finalPrices)
	for _, pos := range book.Positions() {
		if trade, err := book.ClosePosition(pos.Symbol, "backtest_end", domain.ModeBacktest); err == nil {
			trades = append(trades, trade)
		}
	}
	curve = append(curve, EquityPoint{Timestamp: series[0].Bars[lastIdx].Timestamp, TotalValue: book.MarkToMarket(finalPrices)})

	return Result{
		Trades:        trades,
		EquityCurve:   curve,
		FinalSnapshot: book.Snapshot(),
		Counters:      book.Counters(),
	}, nil
}

func runEntries(book *portfolio.Portfolio, signals map[string]domain.AggregatedSignal, trends map[string]domain.Trend, cfg Config) []domain.Trade {
	ordered := make([]domain.AggregatedSignal, 0, len(signals))
	for _, sig := range signals {
		if sig.Action == domain.ActionBuy {
			ordered = append(ordered, sig)
		}
	}
	sortByConfidenceDesc(ordered)

	var trades []domain.Trade
	positions := book.Positions()
	for _, sig := range ordered {
		if len(positions) >= cfg.MaxPositions {
			break
		}
		key := sig.Symbol.String()
		if _, held := positions[key]; held {
			continue
		}
		if sig.Confidence < cfg.MinConfidenceEntry {
			continue
		}
		if book.InCooldown(key) {
			continue
		}
		if !cfg.AggressiveProfile && trends[key] == domain.TrendBearish {
			continue
		}
		if sig.LastClose == nil {
			continue
		}
		size := sizeByConfidence(sig.Confidence, book.Cash(), *sig.LastClose)
		trade, err := book.ExecuteBuy(sig.Symbol, size, *sig.LastClose, sig.Confidence, sectorOf(cfg, sig.Symbol), sig.ATR, 0, domain.ProductEquity, domain.ModeBacktest)
		if err != nil {
			continue
		}
		trades = append(trades, trade)
		positions[key] = domain.Position{Symbol: sig.Symbol}
	}
	return trades
}

// sizeByConfidence mirrors the scan loop's entry-sizing cap (§4.9 pseudocode
// "size = size_by_confidence(signal.confidence, cash)") so a backtest facing
// identical signals sizes entries the same way a live run would. The
// portfolio's own risk-budget/position-value sizing still caps this further.
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

func sectorOf(cfg Config, symbol domain.Symbol) string {
	if cfg.SectorOf == nil {
		return ""
	}
	return cfg.SectorOf(symbol)
}

func sortByConfidenceDesc(signals []domain.AggregatedSignal) {
	for i := 1; i < len(signals); i++ {
		for j := i; j > 0 && signals[j].Confidence > signals[j-1].Confidence; j-- {
			signals[j], signals[j-1] = signals[j-1], signals[j]
		}
	}
}

// trendOf mirrors internal/scheduler's equityTrend (§9 resolution: the
// trend filter is enforced at the scheduler/backtest level, not inside the
// aggregator).
func trendOf(series domain.BarSeries, shortN, longN int) domain.Trend {
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
