package marketdata

import (
	"sync"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
)

// BatchResult pairs a symbol with its fetch outcome.
type BatchResult struct {
	Symbol domain.Symbol
	Series domain.BarSeries
	Err    error
}

// FetchBarsBatch fetches bars for a set of symbols in bounded-concurrency
// batches, respecting batchSize and pausing interBatchDelay between batches
// (§4.9, §5: "batches of up to batch_size concurrent fetches"). Workers are
// independent and report back individually; the scheduler evaluates
// strategies only after all results for the whole call are in.
func (p *Provider) FetchBarsBatch(symbols []domain.Symbol, interval string, lookbackDays int, batchSize int, interBatchDelay time.Duration) map[string]BatchResult {
	out := make(map[string]BatchResult, len(symbols))
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(symbols); start += batchSize {
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, sym := range batch {
			sym := sym
			wg.Add(1)
			go func() {
				defer wg.Done()
				series, err := p.FetchBars(sym, interval, lookbackDays)
				mu.Lock()
				out[sym.String()] = BatchResult{Symbol: sym, Series: series, Err: err}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if end < len(symbols) && interBatchDelay > 0 {
			time.Sleep(interBatchDelay)
		}
	}

	return out
}
