// Package portfolio implements the Portfolio (C7, §4.7): the single
// authoritative, mutex-protected record of cash, open positions, trade
// history, and performance counters. Every mutation goes through
// ExecuteBuy, ExecuteShortOpen, ExecuteSell, ClosePosition, UpdateRiskExits,
// TagTransaction or Restore, none of which calls back into another locking
// entry point while holding the portfolio lock (UpdateRiskExits releases it
// before each risk-triggered close) — this is how a single Go mutex stands in for
// the spec's reentrant lock without risking self-deadlock.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
)

// OrderPlacer is the subset of the broker gateway the portfolio needs.
// Satisfied by *internal/broker.Gateway; a narrow interface here keeps
// portfolio tests independent of the reliability stack.
type OrderPlacer interface {
	PlaceAndAwaitFill(symbol domain.Symbol, qty int, side domain.TradeSide, price *float64, orderType domain.OrderType, product domain.ProductType) (domain.OrderStatus, string, error)
	CancelOrder(orderID string) error
}

// Portfolio is the mutable trading book. Zero value is not usable; build
// with New.
type Portfolio struct {
	mu sync.Mutex

	broker    OrderPlacer
	costModel CostModel
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	cash        float64
	initialCash float64
	positions   map[string]domain.Position
	trades      []domain.Trade
	counters    domain.Counters
	cooldowns   map[string]time.Time
}

func New(broker OrderPlacer, cfg Config, initialCash float64, log zerolog.Logger) *Portfolio {
	return &Portfolio{
		broker:      broker,
		costModel:   CostModel{},
		cfg:         cfg,
		log:         log.With().Str("component", "portfolio").Logger(),
		now:         time.Now,
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]domain.Position),
		cooldowns:   make(map[string]time.Time),
	}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// Positions returns a snapshot copy of open positions keyed by symbol string.
func (p *Portfolio) Positions() map[string]domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Position, len(p.positions))
	for k, v := range p.positions {
		out[k] = v
	}
	return out
}

// Counters returns a snapshot of the performance counters.
func (p *Portfolio) Counters() domain.Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// Trades returns a snapshot copy of the trade history.
func (p *Portfolio) Trades() []domain.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Trade, len(p.trades))
	copy(out, p.trades)
	return out
}

// MarkToMarket returns total portfolio value (cash plus every open
// position valued at priceMap's quote, falling back to entry price when a
// symbol has no fresh quote) for the scheduler's per-iteration status and
// performance publication (§4.9 "total_value ← C7.mark_to_market(...)").
func (p *Portfolio) MarkToMarket(priceMap map[string]float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.cash
	for key, pos := range p.positions {
		price, ok := priceMap[key]
		if !ok {
			price = pos.EntryPrice
		}
		if pos.Short {
			// Premium was already credited to cash at open; the mark-to-market
			// liability is the current cost to buy the contract back.
			total -= price * float64(pos.Shares)
			continue
		}
		total += price * float64(pos.Shares)
	}
	return total
}

// Snapshot exports the durable projection of portfolio state for C10 to
// persist. The returned map is a copy; mutating it does not affect the
// live portfolio.
func (p *Portfolio) Snapshot() domain.PortfolioSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	positions := make(map[string]domain.Position, len(p.positions))
	for k, v := range p.positions {
		positions[k] = v
	}
	cooldowns := make(map[string]time.Time, len(p.cooldowns))
	for k, v := range p.cooldowns {
		cooldowns[k] = v
	}
	return domain.PortfolioSnapshot{
		InitialCash:       p.initialCash,
		Cash:              p.cash,
		Positions:         positions,
		Counters:          p.counters,
		PositionCooldowns: cooldowns,
	}
}

// Restore replaces the portfolio's live state with a persisted snapshot
// (§4.10 restart restoration). Cooldowns already expired relative to now
// are dropped rather than restored, matching the spec's "drop expired
// ones" instruction. Restore must be called before the scan loop starts;
// it is not safe to call once positions may be concurrently mutated by
// in-flight order placement.
func (p *Portfolio) Restore(snap domain.PortfolioSnapshot, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialCash = snap.InitialCash
	p.cash = snap.Cash
	p.counters = snap.Counters

	p.positions = make(map[string]domain.Position, len(snap.Positions))
	for k, v := range snap.Positions {
		p.positions[k] = v
	}

	p.cooldowns = make(map[string]time.Time, len(snap.PositionCooldowns))
	for k, until := range snap.PositionCooldowns {
		if until.After(now) {
			p.cooldowns[k] = until
		}
	}
}

// InCooldown reports whether symbol is still inside its post-exit cooldown.
func (p *Portfolio) InCooldown(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldowns[symbol]
	return ok && p.now().Before(until)
}

// TagTransaction retroactively stamps txID onto the open position for symbol
// and the most recent trade that created or touched it. Used by the F&O
// composer to join independently-executed legs of a structured entry under
// one transaction_id after each leg's ExecuteBuy/ExecuteShortOpen has already
// completed (§4.8) — the legs themselves go through the ordinary entry path
// unchanged, and this call simply labels them for reporting/reversal.
func (p *Portfolio) TagTransaction(symbol domain.Symbol, txID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := symbol.String()
	if pos, ok := p.positions[key]; ok {
		pos.TransactionID = txID
		p.positions[key] = pos
	}
	for i := len(p.trades) - 1; i >= 0; i-- {
		if p.trades[i].Symbol.String() == key {
			p.trades[i].TransactionID = txID
			break
		}
	}
}

// ExecuteBuy sizes, validates, and places a buy order, then records the
// resulting Position and Trade on a qualifying fill (§4.7).
func (p *Portfolio) ExecuteBuy(symbol domain.Symbol, requestedShares int, priceHint, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if requestedShares <= 0 || priceHint <= 0 {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInvalidPremium, Symbol: symbol.String(), Detail: "shares and price_hint must be positive"}
	}
	if len(p.positions) >= p.cfg.MaxPositions {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecPositionCap, Symbol: symbol.String(), Detail: "max_positions reached"}
	}

	finalShares := p.sizePosition(requestedShares, priceHint, confidence, atr)
	if lotSize > 0 {
		finalShares = (finalShares / lotSize) * lotSize
	}
	if finalShares <= 0 {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientSize, Symbol: symbol.String(), Detail: "sized position rounds to zero"}
	}

	estimatedAmount := float64(finalShares) * priceHint
	feesEstimate := p.costModel.Fees(estimatedAmount, domain.SideBuy, product)
	totalCost := estimatedAmount + feesEstimate
	if totalCost > p.cash {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientCash, Symbol: symbol.String(), Detail: fmt.Sprintf("need %.2f, have %.2f", totalCost, p.cash)}
	}
	if estimatedAmount > p.cfg.MaxPositionValue {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecPositionCap, Symbol: symbol.String(), Detail: fmt.Sprintf("%.2f exceeds max_position_value %.2f", estimatedAmount, p.cfg.MaxPositionValue)}
	}

	status, _, err := p.broker.PlaceAndAwaitFill(symbol, finalShares, domain.SideBuy, nil, domain.OrderTypeMarket, product)
	if err != nil {
		return domain.Trade{}, err
	}

	filled := status.FilledQty
	avgPrice := status.AvgPrice
	amount := float64(filled) * avgPrice
	fees := p.costModel.Fees(amount, domain.SideBuy, product)
	actualCost := amount + fees
	p.cash -= actualCost

	stopLoss, takeProfit := p.entryExits(avgPrice, atr)

	pos := domain.Position{
		Symbol:      symbol,
		Shares:      filled,
		EntryPrice:  avgPrice,
		EntryTime:   p.now(),
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Confidence:  confidence,
		Sector:      sector,
		ATR:         atr,
		LotSize:     lotSize,
		ProductType: product,
	}
	p.positions[symbol.String()] = pos

	trade := domain.Trade{
		Timestamp:        pos.EntryTime,
		Symbol:           symbol,
		Side:             domain.SideBuy,
		Shares:           filled,
		Price:            avgPrice,
		Fees:             fees,
		Mode:             mode,
		Confidence:       confidence,
		Sector:           sector,
		CashBalanceAfter: p.cash,
		ATR:              atr,
		TradingDay:       tradingDay(pos.EntryTime),
		Reason:           "signal",
	}
	p.counters.Total++
	p.trades = append(p.trades, trade)
	return trade, nil
}

// entryExits computes stop-loss/take-profit from ATR, falling back to a flat
// percentage when atr is nil or zero (§4.7, §8 "ATR=0 ... fall back").
func (p *Portfolio) entryExits(entryPrice float64, atr *float64) (stopLoss, takeProfit float64) {
	if atr != nil && *atr > 0 {
		return entryPrice - *atr*p.cfg.ATRStopMultiplier, entryPrice + *atr*p.cfg.ATRTargetMultiplier
	}
	return entryPrice * (1 - p.cfg.StopLossPctFallback), entryPrice * (1 + p.cfg.TakeProfitPctFallback)
}

// ExecuteShortOpen writes (sells to open) an option leg, crediting the
// received premium to cash net of fees (§4.8 composer, iron condor/short
// strangle legs). The book has no margin model, so the position is tracked
// purely by premium cash flow; exits buy the leg back via sellLocked, which
// branches on Position.Short to invert the PnL sign and the closing side.
func (p *Portfolio) ExecuteShortOpen(symbol domain.Symbol, shares int, premium, confidence float64, sector string, atr *float64, lotSize int, product domain.ProductType, mode domain.Mode) (domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if shares <= 0 || premium <= 0 {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInvalidPremium, Symbol: symbol.String(), Detail: "shares and premium must be positive"}
	}
	if len(p.positions) >= p.cfg.MaxPositions {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecPositionCap, Symbol: symbol.String(), Detail: "max_positions reached"}
	}

	status, _, err := p.broker.PlaceAndAwaitFill(symbol, shares, domain.SideSell, nil, domain.OrderTypeMarket, product)
	if err != nil {
		return domain.Trade{}, err
	}

	filled := status.FilledQty
	avgPrice := status.AvgPrice
	amount := float64(filled) * avgPrice
	fees := p.costModel.Fees(amount, domain.SideSell, product)
	p.cash += amount - fees

	// A short leg loses money as price rises, so the stop/target sense
	// inverts relative to a long leg: stop above entry, target below.
	stopLoss, takeProfit := p.entryExits(avgPrice, atr)
	width := takeProfit - stopLoss
	stopLoss, takeProfit = avgPrice+width/2, avgPrice-width/2

	pos := domain.Position{
		Symbol:      symbol,
		Shares:      filled,
		EntryPrice:  avgPrice,
		EntryTime:   p.now(),
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Confidence:  confidence,
		Sector:      sector,
		ATR:         atr,
		LotSize:     lotSize,
		ProductType: product,
		Short:       true,
	}
	p.positions[symbol.String()] = pos

	trade := domain.Trade{
		Timestamp:        pos.EntryTime,
		Symbol:           symbol,
		Side:             domain.SideSell,
		Shares:           filled,
		Price:            avgPrice,
		Fees:             fees,
		Mode:             mode,
		Confidence:       confidence,
		Sector:           sector,
		CashBalanceAfter: p.cash,
		ATR:              atr,
		TradingDay:       tradingDay(pos.EntryTime),
		Reason:           "signal",
	}
	p.counters.Total++
	p.trades = append(p.trades, trade)
	return trade, nil
}

// sizePosition applies the ATR risk-budget formula when ATR is available,
// otherwise sizes by a confidence bucket against max_position_value (§4.7,
// §8 confidence=1.0/agreement=1.0 -> max_position_size).
func (p *Portfolio) sizePosition(requestedShares int, priceHint, confidence float64, atr *float64) int {
	if atr != nil && *atr > 0 {
		maxLossPerShare := *atr * p.cfg.ATRStopMultiplier
		riskBudget := p.cash * p.cfg.RiskPerTradePct
		allowed := int(riskBudget / maxLossPerShare)
		if allowed < 0 {
			allowed = 0
		}
		if requestedShares < allowed {
			return requestedShares
		}
		return allowed
	}

	bucketFraction := clamp01(confidence)
	budget := p.cfg.MaxPositionValue * bucketFraction
	bySize := int(budget / priceHint)
	if requestedShares < bySize {
		return requestedShares
	}
	return bySize
}

// ExecuteSell closes all or part of an open position (§4.7).
func (p *Portfolio) ExecuteSell(symbol domain.Symbol, shares int, priceHint float64, reason string, mode domain.Mode) (domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sellLocked(symbol, shares, reason, mode)
}

// ClosePosition sells the entirety of an open position (§4.7 convenience
// wrapper used by risk exits and end-of-day close).
func (p *Portfolio) ClosePosition(symbol domain.Symbol, reason string, mode domain.Mode) (domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol.String()]
	if !ok {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientSize, Symbol: symbol.String(), Detail: "no open position"}
	}
	return p.sellLocked(symbol, pos.Shares, reason, mode)
}

func (p *Portfolio) sellLocked(symbol domain.Symbol, shares int, reason string, mode domain.Mode) (domain.Trade, error) {
	key := symbol.String()
	pos, ok := p.positions[key]
	if !ok {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientSize, Symbol: key, Detail: "symbol not held"}
	}
	if shares <= 0 || shares > pos.Shares {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientSize, Symbol: key, Detail: "shares exceed position size"}
	}
	if !holdingPeriodExemptReasons[reason] && p.now().Sub(pos.EntryTime) < p.cfg.MinHoldingPeriod {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientSize, Symbol: key, Detail: "minimum holding period not elapsed"}
	}

	closingSide := domain.SideSell
	if pos.Short {
		closingSide = domain.SideBuy
	}
	status, _, err := p.broker.PlaceAndAwaitFill(symbol, shares, closingSide, nil, domain.OrderTypeMarket, pos.ProductType)
	if err != nil {
		return domain.Trade{}, err
	}

	gross := float64(status.FilledQty) * status.AvgPrice
	fees := p.costModel.Fees(gross, closingSide, pos.ProductType)

	var pnl float64
	if pos.Short {
		// Closing a written leg costs cash to buy it back; profit is the
		// premium collected at entry minus the buy-back cost.
		p.cash -= gross + fees
		pnl = (pos.EntryPrice-status.AvgPrice)*float64(status.FilledQty) - fees
	} else {
		p.cash += gross - fees
		pnl = (status.AvgPrice-pos.EntryPrice)*float64(status.FilledQty) - fees
	}
	p.updateCounters(pnl)

	now := p.now()
	if status.FilledQty >= pos.Shares {
		delete(p.positions, key)
		cooldown := p.cfg.CooldownNormal
		if reason == "stop_loss" {
			cooldown = p.cfg.CooldownStopLoss
		}
		p.cooldowns[key] = now.Add(cooldown)
	} else {
		pos.Shares -= status.FilledQty
		p.positions[key] = pos
	}

	trade := domain.Trade{
		Timestamp:        now,
		Symbol:           symbol,
		Side:             closingSide,
		Shares:           status.FilledQty,
		Price:            status.AvgPrice,
		Fees:             fees,
		PnL:              &pnl,
		Mode:             mode,
		Confidence:       pos.Confidence,
		Sector:           pos.Sector,
		CashBalanceAfter: p.cash,
		ATR:              pos.ATR,
		TradingDay:       tradingDay(now),
		Reason:           reason,
	}
	p.counters.Total++
	p.trades = append(p.trades, trade)
	return trade, nil
}

func (p *Portfolio) updateCounters(pnl float64) {
	p.counters.TotalPnL += pnl
	if pnl >= 0 {
		p.counters.Wins++
	} else {
		p.counters.Losses++
	}
	if pnl > p.counters.Best {
		p.counters.Best = pnl
	}
	if pnl < p.counters.Worst {
		p.counters.Worst = pnl
	}
}

// UpdateRiskExits checks every open position against its stop-loss/take-profit
// bounds and ratchets trailing stops, returning the Trades generated by any
// closes (§4.7). It iterates a snapshot of symbol keys so a close inside the
// loop never mutates the map it is ranging over.
func (p *Portfolio) UpdateRiskExits(priceMap map[string]float64, mode domain.Mode) []domain.Trade {
	p.mu.Lock()
	keys := make([]string, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	var closed []domain.Trade
	for _, key := range keys {
		price, ok := priceMap[key]
		if !ok {
			continue
		}

		p.mu.Lock()
		pos, stillOpen := p.positions[key]
		if !stillOpen {
			p.mu.Unlock()
			continue
		}

		// A short leg's stop sits above entry and its target below, so both
		// comparisons invert relative to a long position.
		stopHit := price <= pos.StopLoss
		targetHit := price >= pos.TakeProfit
		if pos.Short {
			stopHit = price >= pos.StopLoss
			targetHit = price <= pos.TakeProfit
		}

		switch {
		case stopHit:
			p.mu.Unlock()
			if trade, err := p.sellClosing(pos.Symbol, "stop_loss", mode); err == nil {
				closed = append(closed, trade)
			}
			continue
		case targetHit:
			p.mu.Unlock()
			if trade, err := p.sellClosing(pos.Symbol, "take_profit", mode); err == nil {
				closed = append(closed, trade)
			}
			continue
		}

		if pos.ATR != nil && *pos.ATR > 0 && !pos.Short && price > pos.EntryPrice {
			gain := price - pos.EntryPrice
			if gain >= *pos.ATR*p.cfg.TrailingActivationMultiplier {
				newTrailing := price - *pos.ATR*p.cfg.TrailingStopMultiplier
				floor := pos.EntryPrice * 1.001
				if newTrailing < floor {
					newTrailing = floor
				}
				if newTrailing > pos.StopLoss {
					pos.StopLoss = newTrailing
					p.positions[key] = pos
				}
			}
		}
		p.mu.Unlock()
	}
	return closed
}

// sellClosing acquires the lock fresh for a risk-triggered close; UpdateRiskExits
// always releases p.mu before calling this, so the lock is never taken
// re-entrantly. As in every other entry point, the broker round-trip inside
// sellLocked runs while the lock is held.
func (p *Portfolio) sellClosing(symbol domain.Symbol, reason string, mode domain.Mode) (domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol.String()]
	if !ok {
		return domain.Trade{}, &domain.ExecutionError{Kind: domain.ExecInsufficientSize, Symbol: symbol.String(), Detail: "no open position"}
	}
	return p.sellLocked(symbol, pos.Shares, reason, mode)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func tradingDay(t time.Time) string {
	return t.Format("2006-01-02")
}
