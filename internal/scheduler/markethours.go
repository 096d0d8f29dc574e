package scheduler

import (
	"time"

	"github.com/kestrelquant/engine/internal/domain"
)

// IST is the exchange calendar timezone (§9 GLOSSARY: "domestic timezone").
// Fixed offset rather than a tzdata lookup: NSE/BSE hours never observe DST.
var IST = time.FixedZone("IST", 5*3600+30*60)

const (
	preOpenStart = 9*time.Hour + 0*time.Minute
	marketOpen   = 9*time.Hour + 15*time.Minute
	marketClose  = 15*time.Hour + 30*time.Minute
	closingStart = marketClose - 20*time.Minute
)

// HolidayCheck reports whether day (midnight IST) is a non-trading day.
// Holidays are out of scope for this engine (§9 GLOSSARY); callers inject
// whatever exchange calendar they have, or a func that always returns false.
type HolidayCheck func(day time.Time) bool

// Gate classifies the current instant into the §4.9 market-hours state
// machine, entirely as a pure function of the clock and the holiday
// calendar — it holds no state of its own.
type Gate struct {
	IsHoliday HolidayCheck
}

// NewGate builds a Gate. A nil holidayCheck treats every weekday as a
// trading day.
func NewGate(holidayCheck HolidayCheck) Gate {
	if holidayCheck == nil {
		holidayCheck = func(time.Time) bool { return false }
	}
	return Gate{IsHoliday: holidayCheck}
}

// TradingDay returns now's exchange calendar day as YYYY-MM-DD in IST.
func TradingDay(now time.Time) string {
	return now.In(IST).Format("2006-01-02")
}

// State classifies now into the market-hours gate state (§4.9 "state-machine
// observation"). bypassMarketHours short-circuits straight to MarketOpen,
// used for local/manual testing outside exchange hours.
func (g Gate) State(now time.Time, bypassMarketHours bool) stateResult {
	if bypassMarketHours {
		return stateResult{State: domain.MarketOpen, TimeToClose: marketClose}
	}

	ist := now.In(IST)
	if ist.Weekday() == time.Saturday || ist.Weekday() == time.Sunday || g.IsHoliday(ist) {
		return stateResult{State: domain.MarketClosed}
	}

	tod := time.Duration(ist.Hour())*time.Hour + time.Duration(ist.Minute())*time.Minute + time.Duration(ist.Second())*time.Second
	timeToClose := marketClose - tod

	switch {
	case tod < preOpenStart:
		return stateResult{State: domain.MarketClosed}
	case tod < marketOpen:
		return stateResult{State: domain.MarketPreOpen, TimeToClose: timeToClose}
	case tod < closingStart:
		return stateResult{State: domain.MarketOpen, TimeToClose: timeToClose}
	case tod <= marketClose:
		return stateResult{State: domain.MarketClosing, TimeToClose: timeToClose}
	default:
		return stateResult{State: domain.MarketAfterEnd, TimeToClose: timeToClose}
	}
}

// stateResult is the Gate's classification of one instant: the state plus
// time remaining to the 15:30 close (negative once past it).
type stateResult struct {
	State       domain.MarketState
	TimeToClose time.Duration
}
