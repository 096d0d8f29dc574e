// Package marketdata implements the OHLCV provider (C2, §4.2): TTL-cached
// fetches over the broker's historical API, routed through the C1 rate
// limiter/circuit breaker, falling back to a secondary source that is called
// directly, outside that gateway.
package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/reliability"
	"github.com/rs/zerolog"
)

type cacheKey struct {
	symbol       string
	interval     string
	lookbackDays int
}

type cacheEntry struct {
	series    domain.BarSeries
	fetchedAt time.Time
}

// Provider implements fetch_bars / fetch_bars_batch / fetch_instruments /
// fetch_current_prices with TTL caching and primary/secondary fallback.
type Provider struct {
	primary   domain.BrokerClient
	secondary domain.SecondaryMarketDataClient
	gateway   *reliability.Gateway
	ttl       time.Duration
	log       zerolog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry

	singleflight sync.Map // cacheKey -> *sync.Mutex, avoids thundering herd on miss
}

// NewProvider constructs a Provider. ttl is the cache freshness window
// (§4.2: 30-60s, configurable).
func NewProvider(primary domain.BrokerClient, secondary domain.SecondaryMarketDataClient, gateway *reliability.Gateway, ttl time.Duration, log zerolog.Logger) *Provider {
	return &Provider{
		primary:   primary,
		secondary: secondary,
		gateway:   gateway,
		ttl:       ttl,
		cache:     make(map[cacheKey]cacheEntry),
		log:       log.With().Str("component", "marketdata").Logger(),
	}
}

// FetchBars returns a validated BarSeries for symbol, serving from cache
// within TTL, falling back to the secondary source, or degrading to a
// stale-but-within-2xTTL cache entry when the circuit is open (§4.2).
func (p *Provider) FetchBars(symbol domain.Symbol, interval string, lookbackDays int) (domain.BarSeries, error) {
	key := cacheKey{symbol: symbol.String(), interval: interval, lookbackDays: lookbackDays}

	if entry, ok := p.cacheGet(key); ok && time.Since(entry.fetchedAt) < p.ttl {
		return entry.series, nil
	}

	// Single-flight per key: only one goroutine refreshes a given key at a
	// time; others wait on its lock rather than issuing redundant calls.
	lockIface, _ := p.singleflight.LoadOrStore(key, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if entry, ok := p.cacheGet(key); ok && time.Since(entry.fetchedAt) < p.ttl {
		return entry.series, nil
	}

	series, err := p.fetchFresh(symbol, interval, lookbackDays)
	if err != nil {
		if _, isCircuitOpen := err.(*domain.CircuitOpenError); isCircuitOpen {
			if entry, ok := p.cacheGet(key); ok && time.Since(entry.fetchedAt) < 2*p.ttl {
				p.log.Warn().Str("symbol", symbol.String()).Msg("circuit open, serving stale cache within 2xTTL")
				return entry.series, nil
			}
		}
		return domain.BarSeries{}, err
	}

	p.cachePut(key, series)
	return series, nil
}

func (p *Provider) fetchFresh(symbol domain.Symbol, interval string, lookbackDays int) (domain.BarSeries, error) {
	var series domain.BarSeries
	var callErr error

	err := p.gateway.Call(func() error {
		s, err := p.primary.FetchBars(symbol, interval, lookbackDays)
		if err != nil {
			callErr = err
			return err
		}
		series = s
		return nil
	}, isTransientDataErr)

	if err == nil {
		if verr := validate(series, lookbackDays); verr != nil {
			err = verr
		} else {
			return series, nil
		}
	}

	if p.secondary == nil {
		if de, ok := err.(*domain.DataError); ok {
			return domain.BarSeries{}, de
		}
		if _, ok := err.(*domain.CircuitOpenError); ok {
			return domain.BarSeries{}, err
		}
		return domain.BarSeries{}, &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String(), Err: callErr}
	}

	p.log.Warn().Str("symbol", symbol.String()).Err(err).Msg("primary source failed, engaging fallback")
	fallback, ferr := p.secondary.FetchBars(symbol.String(), interval, lookbackDays)
	if ferr != nil {
		return domain.BarSeries{}, &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String(), Err: ferr}
	}
	fallback.Symbol = symbol
	if verr := validate(fallback, lookbackDays); verr != nil {
		return domain.BarSeries{}, verr
	}
	return fallback, nil
}

func validate(series domain.BarSeries, lookbackDays int) error {
	if lookbackDays > 0 && len(series.Bars) == 0 {
		return &domain.DataError{Kind: domain.DataMissing, Symbol: series.Symbol.String(), Err: fmt.Errorf("empty series")}
	}
	if err := series.Validate(); err != nil {
		return &domain.DataError{Kind: domain.DataMalformed, Symbol: series.Symbol.String(), Err: err}
	}
	return nil
}

func isTransientDataErr(err error) bool {
	switch err.(type) {
	case *domain.DataError:
		return false
	case *domain.CircuitOpenError, *domain.RateLimitError:
		return false
	default:
		return true
	}
}

func (p *Provider) cacheGet(key cacheKey) (cacheEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.cache[key]
	return e, ok
}

func (p *Provider) cachePut(key cacheKey, series domain.BarSeries) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cacheEntry{series: series, fetchedAt: time.Now()}
}

// SweepStaleCache evicts every cache entry older than maxAge and returns
// the number removed. Intended to run off a housekeeping cron (§4.9
// scheduler's ambient maintenance, not the scan loop itself) so the cache
// map doesn't grow unbounded across symbols that stop being scanned.
func (p *Provider) SweepStaleCache(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for key, entry := range p.cache {
		if time.Since(entry.fetchedAt) > maxAge {
			delete(p.cache, key)
			removed++
		}
	}
	return removed
}

// FetchInstruments resolves the instrument list for an exchange, used for
// symbol -> broker-token resolution (§4.2).
func (p *Provider) FetchInstruments(exchange domain.Exchange) ([]domain.Instrument, error) {
	var out []domain.Instrument
	err := p.gateway.Call(func() error {
		instruments, err := p.primary.FetchInstruments(exchange)
		if err != nil {
			return err
		}
		out = instruments
		return nil
	}, isTransientDataErr)
	return out, err
}

// FetchCurrentPrices returns last-traded prices for a batch of symbols,
// quoting each symbol only on the exchange it carries: an option contract is
// not also looked up on the other F&O segment (NFO/BFO). Symbols whose quote
// fails are logged and left out of the returned map.
func (p *Provider) FetchCurrentPrices(symbols []domain.Symbol) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			var quote domain.Quote
			err := p.gateway.Call(func() error {
				q, err := p.primary.GetQuote(sym)
				if err != nil {
					return err
				}
				quote = q
				return nil
			}, isTransientDataErr)
			if err != nil {
				p.log.Warn().Str("symbol", sym.String()).Err(err).Msg("failed to fetch current price")
				return
			}
			mu.Lock()
			out[sym.String()] = quote.Last
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}
