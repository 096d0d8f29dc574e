package reliability

import (
	"sync"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
)

// CircuitState is one of the three breaker states (§4.1).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker trips to OPEN after N consecutive failures, cools down for
// T, then allows one HALF_OPEN probe (§4.1). All transitions are protected
// by a single mutex (L_circuit, §5).
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failureThreshold int
	resetTimeout     time.Duration
	consecutiveFails int
	openedAt         time.Time
	now              func() time.Time
}

// NewCircuitBreaker constructs a breaker with the given failure threshold N
// and reset timeout T (§6: circuit_failure_threshold, circuit_reset_timeout).
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed right now, transitioning
// OPEN -> HALF_OPEN once the cooldown has elapsed. If it returns false, the
// caller must fail fast with CircuitOpenError.
func (b *CircuitBreaker) Allow() (bool, *domain.CircuitOpenError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, nil
	case CircuitHalfOpen:
		return true, nil
	case CircuitOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= b.resetTimeout {
			b.state = CircuitHalfOpen
			return true, nil
		}
		return false, &domain.CircuitOpenError{RetryAfterSeconds: (b.resetTimeout - elapsed).Seconds()}
	}
	return true, nil
}

// RecordSuccess resets the breaker to CLOSED (from HALF_OPEN) and clears the
// failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = CircuitClosed
}

// RecordFailure increments the consecutive-failure counter, tripping to OPEN
// once the threshold is reached (from CLOSED), or immediately re-opening
// (from HALF_OPEN).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.trip()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.state = CircuitOpen
	b.openedAt = b.now()
	b.consecutiveFails = 0
}

// State returns the current breaker state, for telemetry/diagnostics.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
