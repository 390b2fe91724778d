package service

import (
	"sort"
	"sync"

	"github.com/kjstillabower/weather-insights/internal/models"
)

// overlapTracker counts, per location, how many collection runs currently include it.
// Runs with different location sets are not coalesced, so the same location can be
// fetched by two batches at once; Acquire reports when that happens.
type overlapTracker struct {
	mu     sync.Mutex
	active map[string]int // location key -> runs in progress
}

func newOverlapTracker() *overlapTracker {
	return &overlapTracker{active: make(map[string]int)}
}

// Acquire registers a run over locations and returns, sorted, the keys that were
// already part of another run. Callers must Release the same locations when done.
func (ot *overlapTracker) Acquire(locations []models.Location) []string {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	var overlapping []string
	for _, k := range uniqueKeys(locations) {
		if ot.active[k] > 0 {
			overlapping = append(overlapping, k)
		}
		ot.active[k]++
	}
	sort.Strings(overlapping)
	return overlapping
}

// Release ends a run started with Acquire.
func (ot *overlapTracker) Release(locations []models.Location) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	for _, k := range uniqueKeys(locations) {
		if count, ok := ot.active[k]; ok && count > 0 {
			ot.active[k]--
			if ot.active[k] == 0 {
				delete(ot.active, k)
			}
		}
	}
}

func uniqueKeys(locations []models.Location) []string {
	keys := make([]string, 0, len(locations))
	seen := make(map[string]bool, len(locations))
	for _, loc := range locations {
		k := loc.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
