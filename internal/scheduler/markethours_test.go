package scheduler

import (
	"testing"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/stretchr/testify/assert"
)

func istTime(y, mo, d, h, mi int) time.Time {
	return time.Date(y, time.Month(mo), d, h, mi, 0, 0, IST)
}

func TestGateStateClassifiesEachWindow(t *testing.T) {
	gate := NewGate(nil)
	cases := []struct {
		name string
		at   time.Time
		want domain.MarketState
	}{
		{"before pre-open", istTime(2026, 7, 30, 8, 30), domain.MarketClosed},
		{"pre-open", istTime(2026, 7, 30, 9, 5), domain.MarketPreOpen},
		{"mid-session", istTime(2026, 7, 30, 11, 0), domain.MarketOpen},
		{"closing window", istTime(2026, 7, 30, 15, 15), domain.MarketClosing},
		{"after close", istTime(2026, 7, 30, 16, 0), domain.MarketAfterEnd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := gate.State(tc.at, false)
			assert.Equal(t, tc.want, got.State)
		})
	}
}

func TestGateStateWeekendIsClosedRegardlessOfTimeOfDay(t *testing.T) {
	gate := NewGate(nil)
	saturday := istTime(2026, 8, 1, 11, 0) // a Saturday
	got := gate.State(saturday, false)
	assert.Equal(t, domain.MarketClosed, got.State)
}

func TestGateStateHolidayOverridesWeekdayHours(t *testing.T) {
	gate := NewGate(func(day time.Time) bool { return true })
	got := gate.State(istTime(2026, 7, 30, 11, 0), false)
	assert.Equal(t, domain.MarketClosed, got.State)
}

func TestGateStateBypassMarketHoursForcesOpen(t *testing.T) {
	gate := NewGate(nil)
	got := gate.State(istTime(2026, 8, 1, 2, 0), true)
	assert.Equal(t, domain.MarketOpen, got.State)
}

func TestTradingDayFormatsAsISTCalendarDay(t *testing.T) {
	// 18:31 UTC on 2026-07-30 is 00:01 IST on 2026-07-31.
	utc := time.Date(2026, 7, 30, 18, 31, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-31", TradingDay(utc))
}
