package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept. Windows longer than this see only retained data.
const retention = 30 * time.Minute

var defaultTracker Tracker

// Default returns the process-wide tracker used by the scheduler and the health handler.
func Default() *Tracker {
	return &defaultTracker
}

// Tracker maintains sliding windows of per-location collection outcomes.
// Single source of truth for the degraded health state.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	failureTimes []time.Time
	now          func() time.Time
}

// RecordSuccess records a location collected and stored successfully.
func (t *Tracker) RecordSuccess() {
	t.RecordN(1, 0)
}

// RecordFailure records a location that failed in a batch (fetch error or deadline).
func (t *Tracker) RecordFailure() {
	t.RecordN(0, 1)
}

// RecordN records successes and failures at the same instant, as a finished batch does.
func (t *Tracker) RecordN(successes, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	for i := 0; i < successes; i++ {
		t.successTimes = append(t.successTimes, now)
	}
	for i := 0; i < failures; i++ {
		t.failureTimes = append(t.failureTimes, now)
	}
	t.pruneLocked(now)
}

// FailureRate returns (failureCount, totalCount) within the window.
func (t *Tracker) FailureRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	f := countInWindow(t.failureTimes, cutoff)
	s := countInWindow(t.successTimes, cutoff)
	return f, f + s
}

// FailurePct returns the failure percentage within the window, or 0 when nothing was recorded.
func (t *Tracker) FailurePct(window time.Duration) float64 {
	failures, total := t.FailureRate(window)
	if total == 0 {
		return 0
	}
	return float64(failures) * 100 / float64(total)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.failureTimes = nil
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops outcomes older than the retention period. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.failureTimes)
}
