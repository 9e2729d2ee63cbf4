package stats

import (
	"sync"
	"time"

	"github.com/deep-research/execution-engine/pkg/types"
)

// Tracker maintains cumulative and daily trade statistics for one account,
// including the circuit-breaker flag. Daily counters reset on calendar-date
// change, which also clears the breaker; ResetCircuitBreaker is the explicit
// privileged recovery path.
type Tracker struct {
	mu      sync.Mutex
	stats   types.AccountStats
	lastRun time.Time
	now     func() time.Time
}

// NewTracker creates a tracker seeded from persisted stats.
func NewTracker(stats types.AccountStats, lastRun time.Time) *Tracker {
	return &Tracker{
		stats:   stats,
		lastRun: lastRun,
		now:     time.Now,
	}
}

// SetClock overrides the tracker's clock. Tests use this to cross midnight.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Rollover resets daily counters and clears the circuit breaker when the
// calendar date has changed since the last run. Comparison is by date, not
// elapsed duration. Returns true when a reset happened.
func (t *Tracker) Rollover() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.lastRun.IsZero() {
		t.lastRun = now
		return false
	}

	y1, m1, d1 := t.lastRun.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return false
	}

	t.stats.DailyPnL = 0
	t.stats.DailyTrades = 0
	t.stats.CircuitBreaker = false
	t.lastRun = now
	return true
}

// RecordExecution counts a newly filled trade.
func (t *Tracker) RecordExecution() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalTrades++
	t.stats.DailyTrades++
	t.lastRun = t.now()
}

// RecordClose applies the realized PnL of a closed trade to the win/loss
// counters and the cumulative and daily PnL.
func (t *Tracker) RecordClose(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pnl >= 0 {
		t.stats.WinningTrades++
	} else {
		t.stats.LosingTrades++
	}
	t.stats.TotalPnL += pnl
	t.stats.DailyPnL += pnl
	t.lastRun = t.now()
}

// DailyLossBreached reports whether the daily loss limit is hit:
// dailyPnL < 0 and |dailyPnL| >= equity * maxDailyLossPct / 100.
// The threshold is returned for audit logging.
func (t *Tracker) DailyLossBreached(equity, maxDailyLossPct float64) (bool, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := equity * maxDailyLossPct / 100
	if t.stats.DailyPnL >= 0 {
		return false, threshold
	}
	return -t.stats.DailyPnL >= threshold, threshold
}

// TripBreaker opens the circuit breaker, blocking all new execution.
func (t *Tracker) TripBreaker() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.CircuitBreaker = true
}

// ResetCircuitBreaker is the privileged manual recovery operation.
func (t *Tracker) ResetCircuitBreaker() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.CircuitBreaker = false
}

// Tripped reports the circuit-breaker state.
func (t *Tracker) Tripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.CircuitBreaker
}

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() types.AccountStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// LastRun returns the time of the last stats mutation or rollover.
func (t *Tracker) LastRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// DailyPnL returns the current daily realized PnL.
func (t *Tracker) DailyPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.DailyPnL
}
