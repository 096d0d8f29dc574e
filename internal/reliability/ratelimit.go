// Package reliability implements the rate limiter, circuit breaker and retry
// composite (C1, §4.1) that every outbound call to the broker or
// market-data APIs is wrapped in.
package reliability

import (
	"sync"
	"time"
)

// RateLimiter enforces two sliding-window token buckets: per-second
// (capacity S) and per-minute (capacity M). Acquire blocks until both
// buckets have room, per §4.1's sliding-window token-counting algorithm.
type RateLimiter struct {
	mu           sync.Mutex
	perSecondCap int
	perMinuteCap int
	secondStamps []time.Time
	minuteStamps []time.Time
	now          func() time.Time
}

// NewRateLimiter constructs a limiter with the given per-second and
// per-minute capacities (§6: max_per_second, max_per_minute).
func NewRateLimiter(perSecond, perMinute int) *RateLimiter {
	return &RateLimiter{
		perSecondCap: perSecond,
		perMinuteCap: perMinute,
		now:          time.Now,
	}
}

// Acquire blocks (via internal sleep) until a slot is available in both
// windows, then reserves it. It returns the wait duration actually incurred.
func (r *RateLimiter) Acquire() time.Duration {
	var waited time.Duration
	for {
		wait, granted := r.tryAcquire()
		if granted {
			return waited
		}
		time.Sleep(wait)
		waited += wait
	}
}

// TryAcquire performs one non-blocking attempt and reports whether a slot
// was granted, plus the wait hint if not.
func (r *RateLimiter) TryAcquire() (granted bool, wait time.Duration) {
	wait, granted = r.tryAcquire()
	return granted, wait
}

// tryAcquire performs one non-blocking attempt, returning the wake-time hint
// if denied.
func (r *RateLimiter) tryAcquire() (wait time.Duration, granted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	oldestAllowedSecond := now.Add(-time.Second)
	oldestAllowedMinute := now.Add(-time.Minute)

	r.secondStamps = dropOlder(r.secondStamps, oldestAllowedSecond)
	r.minuteStamps = dropOlder(r.minuteStamps, oldestAllowedMinute)

	secondFull := len(r.secondStamps) >= r.perSecondCap
	minuteFull := len(r.minuteStamps) >= r.perMinuteCap

	if !secondFull && !minuteFull {
		r.secondStamps = append(r.secondStamps, now)
		r.minuteStamps = append(r.minuteStamps, now)
		return 0, true
	}

	var wakeSecond, wakeMinute time.Time
	if secondFull {
		wakeSecond = r.secondStamps[0].Add(time.Second)
	}
	if minuteFull {
		wakeMinute = r.minuteStamps[0].Add(time.Minute)
	}
	wake := wakeSecond
	if wakeMinute.After(wake) {
		wake = wakeMinute
	}
	d := wake.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, false
}

func dropOlder(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	return stamps[i:]
}
