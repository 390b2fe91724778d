package lifecycle

import "sync/atomic"

var (
	shuttingDown atomic.Bool
	collecting   atomic.Bool
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true, and periodic
// collection stops scheduling new batches.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// TryStartCollecting marks a scheduled collection as running. Returns false when one is
// already running, in which case the caller should skip its tick.
func TryStartCollecting() bool {
	return collecting.CompareAndSwap(false, true)
}

// FinishCollecting clears the running flag set by TryStartCollecting.
func FinishCollecting() {
	collecting.Store(false)
}

// IsCollecting reports whether a scheduled collection is in progress.
func IsCollecting() bool {
	return collecting.Load()
}
