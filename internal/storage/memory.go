package storage

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
)

// MemoryStore keeps records in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]models.PersistedRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]models.PersistedRecord),
		now:     time.Now,
	}
}

// Put implements Store.Put.
func (s *MemoryStore) Put(ctx context.Context, location string, obs []models.RawObservation) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "put", Backend: BackendMemory, Err: err}
	}
	if len(obs) == 0 {
		return nil
	}
	recs := stamp(location, obs, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	key := locationKey(location)
	s.records[key] = append(s.records[key], recs...)
	return nil
}

// Query implements Store.Query. The returned slice is a copy.
func (s *MemoryStore) Query(ctx context.Context, location string, tf Timeframe) ([]models.PersistedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "query", Backend: BackendMemory, Err: err}
	}

	s.mu.RLock()
	stored := s.records[locationKey(location)]
	out := make([]models.PersistedRecord, 0, len(stored))
	for _, r := range stored {
		if tf.Contains(r.Timestamp) {
			r.Values = cloneValues(r.Values)
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

// Len returns the total number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, recs := range s.records {
		n += len(recs)
	}
	return n
}
