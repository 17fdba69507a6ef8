package risk

import (
	"math"
	"sync"
	"time"
)

// DailyDrawdownTracker measures drawdown intraday from each day's opening
// equity, not from a trailing peak.
type DailyDrawdownTracker struct {
	mu          sync.Mutex
	startEquity float64
	day         time.Time
	loc         *time.Location
}

// NewDailyDrawdownTracker starts tracking at now with the given equity.
// Day boundaries are evaluated in UTC.
func NewDailyDrawdownTracker(now time.Time, equity float64) *DailyDrawdownTracker {
	t := &DailyDrawdownTracker{loc: time.UTC}
	t.startEquity = equity
	t.day = t.dayOf(now)
	return t
}

// ComputeDD returns max(0, (start-equity)/start); gains never go negative
func (t *DailyDrawdownTracker) ComputeDD(equity float64) float64 {
	t.mu.Lock()
	start := t.startEquity
	t.mu.Unlock()

	if start <= 0 {
		return 0
	}
	return math.Max(0, (start-equity)/start)
}

// MaybeReset rolls the opening equity forward on a calendar day change and
// reports whether it did.
func (t *DailyDrawdownTracker) MaybeReset(now time.Time, equity float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.dayOf(now)
	if !day.After(t.day) {
		return false
	}
	t.day = day
	t.startEquity = equity
	return true
}

// StartEquity returns the opening equity of the current day
func (t *DailyDrawdownTracker) StartEquity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startEquity
}

// Day returns midnight of the tracked day
func (t *DailyDrawdownTracker) Day() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.day
}

func (t *DailyDrawdownTracker) dayOf(ts time.Time) time.Time {
	y, m, d := ts.In(t.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.loc)
}
