// Package cost tracks rolling hourly and daily monetary spend against
// configured ceilings, and prices text-generation calls so callers can
// attribute what they spent.
package cost

import (
	"sync"
	"time"

	"github.com/jobhound-dev/jobhound/internal/fault"
)

// Snapshot is a point-in-time view of tracked spend for status reporting.
type Snapshot struct {
	HourlySpend   float64
	DailySpend    float64
	HourlyCeiling float64
	DailyCeiling  float64
}

// Tracker accumulates spend in two independently-anchored rolling
// windows. Resets happen lazily on every Record or CheckLimits call,
// never via a background timer. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	hourlySpend   float64
	dailySpend    float64
	hourlyCeiling float64
	dailyCeiling  float64

	// Each window has its own anchor; sharing one between windows lets
	// hourly resets drift, which is the bug in the behavior this
	// replaces.
	hourAnchor time.Time
	dayAnchor  time.Time

	now func() time.Time
}

// NewTracker creates a tracker with the given ceilings in USD.
func NewTracker(hourlyCeiling, dailyCeiling float64) *Tracker {
	t := &Tracker{
		hourlyCeiling: hourlyCeiling,
		dailyCeiling:  dailyCeiling,
		now:           time.Now,
	}
	start := t.now()
	t.hourAnchor = start
	t.dayAnchor = start
	return t
}

// SetClock overrides the tracker's time source and re-anchors both
// windows to the new clock, since NewTracker anchored them to the real
// wall clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	start := now()
	t.hourAnchor = start
	t.dayAnchor = start
}

// Record adds cost to both windows, first applying any pending lazy
// window resets. Negative costs are ignored.
func (t *Tracker) Record(cost float64) {
	if cost < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindowsLocked()
	t.hourlySpend += cost
	t.dailySpend += cost
}

// CheckLimits returns a CostLimit fault when either accumulator has
// reached its ceiling, after applying lazy window resets.
func (t *Tracker) CheckLimits() *fault.Fault {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindowsLocked()
	if t.hourlySpend >= t.hourlyCeiling {
		return fault.New(fault.CostLimit, "hourly cost limit exceeded: $%.2f of $%.2f", t.hourlySpend, t.hourlyCeiling)
	}
	if t.dailySpend >= t.dailyCeiling {
		return fault.New(fault.CostLimit, "daily cost limit exceeded: $%.2f of $%.2f", t.dailySpend, t.dailyCeiling)
	}
	return nil
}

// Snapshot returns current spend and ceilings after lazy resets.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindowsLocked()
	return Snapshot{
		HourlySpend:   t.hourlySpend,
		DailySpend:    t.dailySpend,
		HourlyCeiling: t.hourlyCeiling,
		DailyCeiling:  t.dailyCeiling,
	}
}

func (t *Tracker) rollWindowsLocked() {
	now := t.now()
	if now.Sub(t.hourAnchor) >= time.Hour {
		t.hourlySpend = 0
		t.hourAnchor = now
	}
	if now.Sub(t.dayAnchor) >= 24*time.Hour {
		t.dailySpend = 0
		t.dayAnchor = now
	}
}
