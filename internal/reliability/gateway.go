package reliability

import (
	"time"
)

// BackoffSchedule is the retry wait schedule used by the broker gateway and
// market-data provider: 0.5, 1, 2, 4, 8s, max 5 attempts (§4.6).
var BackoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// Gateway composes a RateLimiter and CircuitBreaker into the single
// `call(fn)` wrapper described in §4.1: acquire a token, check the breaker,
// invoke fn, record the outcome, and retry transient failures on the
// backoff schedule.
type Gateway struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	// MaxAttempts caps the number of attempts (including the first) at less
	// than the full BackoffSchedule. Zero means "use the whole schedule" —
	// the broker gateway and market-data provider both rely on this default.
	MaxAttempts int
	sleep       func(time.Duration)
}

// NewGateway constructs a Gateway over the given limiter and breaker.
func NewGateway(limiter *RateLimiter, breaker *CircuitBreaker) *Gateway {
	return &Gateway{Limiter: limiter, Breaker: breaker, sleep: time.Sleep}
}

// IsTransient classifies an error as retriable. Callers supply this because
// only they know which of their own error types represent permanent
// rejections versus transient network/HTTP failures (§7 propagation
// policy): only permanent failures become typed errors to the caller of
// Call; transient failures are retried in place.
type IsTransient func(error) bool

// Call runs fn under rate limiting and the circuit breaker, retrying
// transient failures per BackoffSchedule. It never touches fn when the
// circuit is OPEN (§4.1 failure semantics).
func (g *Gateway) Call(fn func() error, isTransient IsTransient) error {
	if allowed, circErr := g.Breaker.Allow(); !allowed {
		return circErr
	}

	var lastErr error
	attempts := append([]time.Duration{0}, BackoffSchedule...)
	if g.MaxAttempts > 0 && g.MaxAttempts < len(attempts) {
		attempts = attempts[:g.MaxAttempts]
	}
	for i, wait := range attempts {
		if i > 0 {
			g.sleep(wait)
		}
		g.Limiter.Acquire()

		err := fn()
		if err == nil {
			g.Breaker.RecordSuccess()
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			g.Breaker.RecordFailure()
			return err
		}
		// Transient: keep retrying within budget, but still count it as a
		// breaker failure — the breaker tracks external-resource health,
		// not just terminal outcomes.
		g.Breaker.RecordFailure()
		if allowed, circErr := g.Breaker.Allow(); !allowed {
			return circErr
		}
	}
	return lastErr
}
