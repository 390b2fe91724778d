// Package storage persists collected observations. Records are append-only: a Put never
// replaces earlier records, and re-collecting a window stores it again with a newer CollectedAt.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
)

// Backend names accepted by config.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendMemcached = "memcached"
)

// Store is the storage adapter used by the collector and the engines.
type Store interface {
	// Put appends obs for location, stamping each with the same CollectedAt.
	Put(ctx context.Context, location string, obs []models.RawObservation) error
	// Query returns the location's records with timestamps inside tf, ordered by timestamp.
	Query(ctx context.Context, location string, tf Timeframe) ([]models.PersistedRecord, error)
}

// Pinger is implemented by stores with a remote backend. Used for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Timeframe bounds a query by observation timestamp, inclusive at both ends.
// A zero From or To leaves that side unbounded.
type Timeframe struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the timeframe.
func (tf Timeframe) Contains(t time.Time) bool {
	if !tf.From.IsZero() && t.Before(tf.From) {
		return false
	}
	if !tf.To.IsZero() && t.After(tf.To) {
		return false
	}
	return true
}

// Error is returned by every Store operation that fails. Collection treats it as fatal.
type Error struct {
	Op      string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func locationKey(location string) string {
	return models.NormalizeName(location)
}

func stamp(location string, obs []models.RawObservation, collectedAt time.Time) []models.PersistedRecord {
	out := make([]models.PersistedRecord, len(obs))
	for i, o := range obs {
		if strings.TrimSpace(o.Location) == "" {
			o.Location = location
		}
		o.Values = cloneValues(o.Values)
		out[i] = models.PersistedRecord{RawObservation: o, CollectedAt: collectedAt}
	}
	return out
}

func sortRecords(recs []models.PersistedRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}

func cloneValues(in map[models.Metric]*float64) map[models.Metric]*float64 {
	out := make(map[models.Metric]*float64, len(in))
	for m, v := range in {
		if v != nil {
			v = models.Float(*v)
		}
		out[m] = v
	}
	return out
}
