// Package fno implements the F&O strategy composer (C8, §4.8): the
// per-index decision layer that turns a regime classification and an
// aggregated signal into a structured multi-leg options entry, guarded by
// per-index engagement and cross-index correlation checks.
package fno

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
)

// StrategyKind names a structured options strategy the composer can build.
type StrategyKind string

const (
	BullCallSpread StrategyKind = "bull_call_spread"
	LongCall       StrategyKind = "long_call"
	BearPutSpread  StrategyKind = "bear_put_spread"
	LongPut        StrategyKind = "long_put"
	IronCondor     StrategyKind = "iron_condor"
	LongStraddle   StrategyKind = "long_straddle"
	ShortStrangle  StrategyKind = "short_strangle"
	Skip           StrategyKind = "skip"
)

// Leg is one option contract the composer wants to trade as part of a
// structured position, before it is sent to the book for execution.
type Leg struct {
	Symbol domain.Symbol
	Side   domain.TradeSide
	Shares int // lots * lot_size
}

// Book is the subset of *portfolio.Portfolio the composer needs. Narrowed
// to an interface so fno tests never touch the broker/reliability stack.
type Book interface {
	ExecuteBuy(symbol domain.Symbol, requestedShares int, priceHint, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error)
	ExecuteShortOpen(symbol domain.Symbol, shares int, premium, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error)
	ClosePosition(symbol domain.Symbol, reason string, mode domain.Mode) (domain.Trade, error)
	TagTransaction(symbol domain.Symbol, txID string)
	Positions() map[string]domain.Position
	Cash() float64
}

// QuoteSource fetches a premium quote for an option contract symbol.
// Satisfied by *internal/broker.Gateway / *internal/broker.PaperBroker.
// The composer needs premiums, not just the underlying's spot, to price
// the max-loss check before committing any leg (§4.8 step 6).
type QuoteSource interface {
	GetQuote(symbol domain.Symbol) (domain.Quote, error)
}

// Config holds the composer's entry gates (§4.8, §6).
type Config struct {
	CorrelationBlock   float64 // rho_block, default 0.9
	MinEntryConfidence float64 // theta_fno_entry
	MaxTradeRiskPct    float64 // max_trade_risk_pct, fraction of cash
	StrikeATRMultiple  float64 // k_atr for strangle/condor wing offsets
	MinDaysToExpiry    int
}

// DefaultConfig mirrors the §6 defaults plus the ATR-based strike-width
// resolution recorded for the open iron-condor-width question: offsets are
// k_atr * ATR_index, not a stddev*sqrt(T) formula, so as not to introduce a
// second volatility unit alongside IndexCharacteristics.ATRStopMultiplier.
func DefaultConfig() Config {
	return Config{
		CorrelationBlock:   0.9,
		MinEntryConfidence: 0.5,
		MaxTradeRiskPct:    0.02,
		StrikeATRMultiple:  1.5,
		MinDaysToExpiry:    2,
	}
}

// ExpiryResolver returns the nearest valid weekly expiry at least
// minDaysOut days after now for the given underlying.
type ExpiryResolver func(underlying string, now time.Time, minDaysOut int) time.Time

// Composer selects and executes structured F&O entries, scanning indices
// in IndexCharacteristics.PriorityRank order (§4.8).
type Composer struct {
	book          Book
	quotes        QuoteSource
	correlation   *domain.CorrelationMatrix
	cfg           Config
	resolveExpiry ExpiryResolver
	uuid          func() string
	log           zerolog.Logger
}

func New(book Book, quotes QuoteSource, correlation *domain.CorrelationMatrix, cfg Config, resolveExpiry ExpiryResolver, log zerolog.Logger) *Composer {
	return &Composer{
		book:          book,
		quotes:        quotes,
		correlation:   correlation,
		cfg:           cfg,
		resolveExpiry: resolveExpiry,
		uuid:          func() string { return uuid.NewString() },
		log:           log.With().Str("component", "fno_composer").Logger(),
	}
}

// Candidate bundles everything the composer needs to evaluate one index in
// one scan iteration: its static characteristics, current regime, the
// aggregated signal from its own bars, and the spot price to build strikes
// from.
type Candidate struct {
	Chars  domain.IndexCharacteristics
	Regime domain.Regime
	Signal domain.AggregatedSignal
	Spot   float64
	ATR    *float64
	Mode   domain.Mode
	Now    time.Time
}

// Scan evaluates every candidate in priority-rank order, attempting one
// structured entry per index (§4.8 "scanned in priority order"). A guard
// rejection or failed entry for one index does not stop the scan — each
// index's Result is independent, and capital committed to a higher-priority
// index naturally tightens the correlation/cash guards for the rest.
func (c *Composer) Scan(candidates []Candidate) []Result {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Chars.PriorityRank < sorted[j].Chars.PriorityRank
	})

	results := make([]Result, 0, len(sorted))
	for _, cand := range sorted {
		res := c.evaluate(cand)
		results = append(results, res)
		if res.Err == nil {
			c.log.Info().Str("index", cand.Chars.Symbol).Str("strategy", string(res.Kind)).Str("transaction_id", res.TransactionID).Msg("structured entry placed")
		}
	}
	return results
}

// Result records the outcome of one index's entry attempt.
type Result struct {
	Index         string
	Kind          StrategyKind
	TransactionID string
	Legs          []domain.Trade
	Err           error
}

func (c *Composer) evaluate(cand Candidate) Result {
	index := cand.Chars.Symbol
	positions := c.book.Positions()

	if err := c.guardAlreadyEngaged(index, positions); err != nil {
		return Result{Index: index, Err: err}
	}
	if err := c.guardCorrelation(index, positions); err != nil {
		return Result{Index: index, Err: err}
	}
	if cand.Signal.Confidence < c.cfg.MinEntryConfidence {
		return Result{Index: index, Err: &domain.RiskError{Kind: domain.RiskExposureExceeded, Index: index, Detail: "aggregated confidence below theta_fno_entry"}}
	}

	kind := selectStrategy(cand.Regime.Trend, cand.Regime.Volatility)
	if kind == Skip {
		return Result{Index: index, Kind: Skip, Err: &domain.RiskError{Kind: domain.RiskExposureExceeded, Index: index, Detail: "extreme volatility regime, no structure selected"}}
	}

	expiry := c.resolveExpiry(index, cand.Now, c.cfg.MinDaysToExpiry)
	legs, maxLoss, err := c.buildLegs(cand, kind, expiry)
	if err != nil {
		return Result{Index: index, Kind: kind, Err: err}
	}

	if maxLoss <= 0 || maxLoss > c.book.Cash()*c.cfg.MaxTradeRiskPct {
		return Result{Index: index, Kind: kind, Err: &domain.ExecutionError{Kind: domain.ExecInvalidPremium, Symbol: index, Detail: fmt.Sprintf("max_loss %.2f exceeds cash*max_trade_risk_pct", maxLoss)}}
	}

	return c.executeGroup(index, kind, legs, cand)
}

func (c *Composer) guardAlreadyEngaged(index string, positions map[string]domain.Position) error {
	for _, pos := range positions {
		if pos.ProductType == domain.ProductOption && pos.Symbol.Underlying() == index {
			return &domain.RiskError{Kind: domain.RiskAlreadyEngaged, Index: index, Detail: "index already has an open structured position"}
		}
	}
	return nil
}

func (c *Composer) guardCorrelation(index string, positions map[string]domain.Position) error {
	held := make(map[string]bool)
	for _, pos := range positions {
		if pos.ProductType == domain.ProductOption {
			held[pos.Symbol.Underlying()] = true
		}
	}
	for j := range held {
		if j == index {
			continue
		}
		rho := c.correlation.Get(index, j)
		if absf(rho) >= c.cfg.CorrelationBlock {
			return &domain.RiskError{Kind: domain.RiskCorrelationBlock, Index: index, Detail: fmt.Sprintf("|rho(%s,%s)|=%.2f >= block threshold", index, j, rho)}
		}
	}
	return nil
}

// selectStrategy implements the §4.8 volatility x trend table. Within a
// {trend,volatility} cell offering two choices (e.g. bull call spread /
// long call), the spread is preferred: it caps both sides of the payoff
// and keeps the max-loss check well-defined without an extra branch for
// unlimited-risk legs.
func selectStrategy(trend domain.Trend, vol domain.VolatilityBucket) StrategyKind {
	if vol == domain.VolExtreme {
		return Skip
	}
	high := vol == domain.VolHigh
	switch trend {
	case domain.TrendBullish:
		if high {
			return LongStraddle
		}
		return BullCallSpread
	case domain.TrendBearish:
		if high {
			return LongStraddle
		}
		return BearPutSpread
	default: // sideways
		if high {
			return ShortStrangle
		}
		return IronCondor
	}
}

// pricedLeg is a Leg plus the premium quoted for it, used to evaluate the
// max-loss check before any order is placed.
type pricedLeg struct {
	Leg
	Premium float64
}

// atmStrike rounds spot to the nearest StrikeStep (§4.8 step 5).
func atmStrike(spot, step float64) float64 {
	if step <= 0 {
		return spot
	}
	return float64(int(spot/step+0.5)) * step
}

// wingOffset is the ATR-based strike offset resolved for the open question
// on iron-condor/strangle width: k_atr * ATR_index, rounded to the
// contract's strike increment so the resulting strike is tradable.
func wingOffset(atr *float64, kATR, step float64) float64 {
	if atr == nil || *atr <= 0 || step <= 0 {
		return step
	}
	offset := kATR * *atr
	steps := float64(int(offset/step + 0.5))
	if steps < 1 {
		steps = 1
	}
	return steps * step
}

func (c *Composer) quote(underlying string, expiry time.Time, strike float64, right domain.Right) (domain.Symbol, domain.Quote, error) {
	sym, err := domain.NewOptionSymbol(underlying, expiry, strike, right, domain.ExchangeNFO)
	if err != nil {
		return domain.Symbol{}, domain.Quote{}, err
	}
	q, err := c.quotes.GetQuote(sym)
	return sym, q, err
}

// buildLegs constructs the priced legs for kind and returns the structured
// position's worst-case loss for one lot group (§4.8 steps 5-6).
func (c *Composer) buildLegs(cand Candidate, kind StrategyKind, expiry time.Time) ([]pricedLeg, float64, error) {
	chars := cand.Chars
	shares := chars.LotSize
	if shares <= 0 {
		return nil, 0, &domain.ExecutionError{Kind: domain.ExecInvalidPremium, Symbol: chars.Symbol, Detail: "index has no configured lot size"}
	}
	atm := atmStrike(cand.Spot, chars.StrikeStep)
	offset := wingOffset(cand.ATR, c.cfg.StrikeATRMultiple, chars.StrikeStep)

	switch kind {
	case BullCallSpread:
		longSym, longQ, err := c.quote(chars.Symbol, expiry, atm, domain.RightCall)
		if err != nil {
			return nil, 0, err
		}
		shortSym, shortQ, err := c.quote(chars.Symbol, expiry, atm+offset, domain.RightCall)
		if err != nil {
			return nil, 0, err
		}
		netDebit := (longQ.Last - shortQ.Last) * float64(shares)
		return []pricedLeg{
			{Leg{longSym, domain.SideBuy, shares}, longQ.Last},
			{Leg{shortSym, domain.SideSell, shares}, shortQ.Last},
		}, netDebit, nil

	case BearPutSpread:
		longSym, longQ, err := c.quote(chars.Symbol, expiry, atm, domain.RightPut)
		if err != nil {
			return nil, 0, err
		}
		shortSym, shortQ, err := c.quote(chars.Symbol, expiry, atm-offset, domain.RightPut)
		if err != nil {
			return nil, 0, err
		}
		netDebit := (longQ.Last - shortQ.Last) * float64(shares)
		return []pricedLeg{
			{Leg{longSym, domain.SideBuy, shares}, longQ.Last},
			{Leg{shortSym, domain.SideSell, shares}, shortQ.Last},
		}, netDebit, nil

	case LongStraddle:
		callSym, callQ, err := c.quote(chars.Symbol, expiry, atm, domain.RightCall)
		if err != nil {
			return nil, 0, err
		}
		putSym, putQ, err := c.quote(chars.Symbol, expiry, atm, domain.RightPut)
		if err != nil {
			return nil, 0, err
		}
		netDebit := (callQ.Last + putQ.Last) * float64(shares)
		return []pricedLeg{
			{Leg{callSym, domain.SideBuy, shares}, callQ.Last},
			{Leg{putSym, domain.SideBuy, shares}, putQ.Last},
		}, netDebit, nil

	case ShortStrangle:
		callSym, callQ, err := c.quote(chars.Symbol, expiry, atm+offset, domain.RightCall)
		if err != nil {
			return nil, 0, err
		}
		putSym, putQ, err := c.quote(chars.Symbol, expiry, atm-offset, domain.RightPut)
		if err != nil {
			return nil, 0, err
		}
		// Short strangle risk is theoretically unbounded; use the broker's
		// per-lot margin requirement as the worst-case proxy the max-loss
		// check is evaluated against, since there is no defined wing here.
		maxLoss := chars.MarginPerLot * float64(shares/maxInt(chars.LotSize, 1))
		return []pricedLeg{
			{Leg{callSym, domain.SideSell, shares}, callQ.Last},
			{Leg{putSym, domain.SideSell, shares}, putQ.Last},
		}, maxLoss, nil

	case IronCondor:
		shortCallSym, shortCallQ, err := c.quote(chars.Symbol, expiry, atm+offset, domain.RightCall)
		if err != nil {
			return nil, 0, err
		}
		longCallSym, longCallQ, err := c.quote(chars.Symbol, expiry, atm+2*offset, domain.RightCall)
		if err != nil {
			return nil, 0, err
		}
		shortPutSym, shortPutQ, err := c.quote(chars.Symbol, expiry, atm-offset, domain.RightPut)
		if err != nil {
			return nil, 0, err
		}
		longPutSym, longPutQ, err := c.quote(chars.Symbol, expiry, atm-2*offset, domain.RightPut)
		if err != nil {
			return nil, 0, err
		}
		netCredit := (shortCallQ.Last + shortPutQ.Last - longCallQ.Last - longPutQ.Last) * float64(shares)
		wingWidth := offset * float64(shares)
		maxLoss := wingWidth - netCredit
		return []pricedLeg{
			{Leg{shortCallSym, domain.SideSell, shares}, shortCallQ.Last},
			{Leg{longCallSym, domain.SideBuy, shares}, longCallQ.Last},
			{Leg{shortPutSym, domain.SideSell, shares}, shortPutQ.Last},
			{Leg{longPutSym, domain.SideBuy, shares}, longPutQ.Last},
		}, maxLoss, nil

	default:
		return nil, 0, &domain.ExecutionError{Kind: domain.ExecInvalidPremium, Symbol: chars.Symbol, Detail: fmt.Sprintf("no contract construction for %s", kind)}
	}
}

// executeGroup places every leg in order, tagging all of them with one
// shared transaction_id. If any leg after the first fails, already-filled
// legs are reversed via ClosePosition so the book never ends up holding a
// partial structure (§4.8 step 7).
func (c *Composer) executeGroup(index string, kind StrategyKind, legs []pricedLeg, cand Candidate) Result {
	txID := c.uuid()
	placed := make([]domain.Trade, 0, len(legs))

	for _, leg := range legs {
		var trade domain.Trade
		var err error
		switch leg.Side {
		case domain.SideBuy:
			trade, err = c.book.ExecuteBuy(leg.Symbol, leg.Shares, leg.Premium, cand.Signal.Confidence, index, cand.ATR, leg.Shares, domain.ProductOption, cand.Mode)
		case domain.SideSell:
			trade, err = c.book.ExecuteShortOpen(leg.Symbol, leg.Shares, leg.Premium, cand.Signal.Confidence, index, cand.ATR, leg.Shares, domain.ProductOption, cand.Mode)
		}
		if err != nil {
			c.reverseLegs(placed, cand.Mode)
			return Result{Index: index, Kind: kind, TransactionID: txID, Legs: placed, Err: err}
		}
		c.book.TagTransaction(leg.Symbol, txID)
		placed = append(placed, trade)
	}

	return Result{Index: index, Kind: kind, TransactionID: txID, Legs: placed, Err: nil}
}

func (c *Composer) reverseLegs(placed []domain.Trade, mode domain.Mode) {
	for _, trade := range placed {
		if _, err := c.book.ClosePosition(trade.Symbol, "leg_failure_reversal", mode); err != nil {
			c.log.Error().Err(err).Str("symbol", trade.Symbol.String()).Msg("failed to reverse partially-filled F&O leg")
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
