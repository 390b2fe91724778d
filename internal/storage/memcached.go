package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-insights/internal/models"
)

const (
	keyPrefix      = "wx:"
	maxCASRetries  = 10
	maxRelativeExp = 30 * 24 * 60 * 60 // memcached treats larger values as absolute unix time
)

// memcacheClient is the subset of *memcache.Client the store uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Add(item *memcache.Item) error
	Set(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
	Increment(key string, delta uint64) (uint64, error)
	Ping() error
	Close() error
}

// chunkRef describes one Put in a location's index.
type chunkRef struct {
	Seq  uint64    `json:"seq"`
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// MemcachedStore persists records in memcached. Each Put writes one chunk item holding the
// batch, then appends a reference to the location's index with a CAS loop, so concurrent
// appends to the same location never lose a chunk.
// Memcached may evict items under memory pressure; use it where that loss is acceptable.
type MemcachedStore struct {
	client memcacheClient
	ttl    time.Duration
	now    func() time.Time
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero. ttl of zero keeps items until evicted.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return newMemcachedStore(client, ttl), nil
}

func newMemcachedStore(client memcacheClient, ttl time.Duration) *MemcachedStore {
	return &MemcachedStore{client: client, ttl: ttl, now: time.Now}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Location names may contain spaces, which memcached keys cannot.
func escapedLocation(location string) string {
	return url.QueryEscape(locationKey(location))
}

func indexKey(location string) string {
	return keyPrefix + "idx:" + escapedLocation(location)
}

func seqKey(location string) string {
	return keyPrefix + "seq:" + escapedLocation(location)
}

func chunkKey(location string, seq uint64) string {
	return keyPrefix + "chunk:" + escapedLocation(location) + ":" + strconv.FormatUint(seq, 10)
}

func (s *MemcachedStore) expiration() int32 {
	secs := int32(s.ttl.Seconds())
	if secs <= 0 {
		return 0
	}
	if secs > maxRelativeExp {
		return maxRelativeExp
	}
	return secs
}

func (s *MemcachedStore) fail(op string, err error) error {
	return &Error{Op: op, Backend: BackendMemcached, Err: err}
}

// Put implements Store.Put.
func (s *MemcachedStore) Put(ctx context.Context, location string, obs []models.RawObservation) error {
	if ctx.Err() != nil {
		return s.fail("put", ctx.Err())
	}
	if len(obs) == 0 {
		return nil
	}

	recs := stamp(location, obs, s.now())
	ref := chunkRef{From: recs[0].Timestamp, To: recs[0].Timestamp}
	for _, r := range recs {
		if r.Timestamp.Before(ref.From) {
			ref.From = r.Timestamp
		}
		if r.Timestamp.After(ref.To) {
			ref.To = r.Timestamp
		}
	}

	seq, err := s.nextSeq(location)
	if err != nil {
		return s.fail("put", fmt.Errorf("allocate chunk: %w", err))
	}
	ref.Seq = seq

	raw, err := json.Marshal(recs)
	if err != nil {
		return s.fail("put", fmt.Errorf("encode chunk: %w", err))
	}
	if err := s.client.Set(&memcache.Item{Key: chunkKey(location, seq), Value: raw, Expiration: s.expiration()}); err != nil {
		return s.fail("put", fmt.Errorf("write chunk: %w", err))
	}

	if err := s.appendIndex(ctx, location, ref); err != nil {
		return s.fail("put", err)
	}
	return nil
}

func (s *MemcachedStore) nextSeq(location string) (uint64, error) {
	key := seqKey(location)
	err := s.client.Add(&memcache.Item{Key: key, Value: []byte("0"), Expiration: s.expiration()})
	if err != nil && !errors.Is(err, memcache.ErrNotStored) {
		return 0, err
	}
	return s.client.Increment(key, 1)
}

func (s *MemcachedStore) appendIndex(ctx context.Context, location string, ref chunkRef) error {
	key := indexKey(location)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := s.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			raw, _ := json.Marshal([]chunkRef{ref})
			err = s.client.Add(&memcache.Item{Key: key, Value: raw, Expiration: s.expiration()})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			if err != nil {
				return fmt.Errorf("create index: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read index: %w", err)
		}

		var refs []chunkRef
		if err := json.Unmarshal(item.Value, &refs); err != nil {
			return fmt.Errorf("decode index: %w", err)
		}
		refs = append(refs, ref)
		raw, err := json.Marshal(refs)
		if err != nil {
			return fmt.Errorf("encode index: %w", err)
		}
		item.Value = raw
		item.Expiration = s.expiration()

		err = s.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update index: %w", err)
		}
		return nil
	}
	return fmt.Errorf("update index: gave up after %d CAS conflicts", maxCASRetries)
}

// Query implements Store.Query. Chunks whose range misses tf are not fetched.
// An evicted chunk drops its records from the result.
func (s *MemcachedStore) Query(ctx context.Context, location string, tf Timeframe) ([]models.PersistedRecord, error) {
	if ctx.Err() != nil {
		return nil, s.fail("query", ctx.Err())
	}

	item, err := s.client.Get(indexKey(location))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return []models.PersistedRecord{}, nil
	}
	if err != nil {
		return nil, s.fail("query", fmt.Errorf("read index: %w", err))
	}

	var refs []chunkRef
	if err := json.Unmarshal(item.Value, &refs); err != nil {
		return nil, s.fail("query", fmt.Errorf("decode index: %w", err))
	}

	var keys []string
	for _, ref := range refs {
		if !tf.From.IsZero() && ref.To.Before(tf.From) {
			continue
		}
		if !tf.To.IsZero() && ref.From.After(tf.To) {
			continue
		}
		keys = append(keys, chunkKey(location, ref.Seq))
	}
	if len(keys) == 0 {
		return []models.PersistedRecord{}, nil
	}

	items, err := s.client.GetMulti(keys)
	if err != nil {
		return nil, s.fail("query", fmt.Errorf("read chunks: %w", err))
	}

	out := []models.PersistedRecord{}
	// Walk keys, not the map, so ties keep insertion order.
	for _, k := range keys {
		it, ok := items[k]
		if !ok {
			continue
		}
		var recs []models.PersistedRecord
		if err := json.Unmarshal(it.Value, &recs); err != nil {
			return nil, s.fail("query", fmt.Errorf("decode chunk %s: %w", k, err))
		}
		for _, r := range recs {
			if tf.Contains(r.Timestamp) {
				out = append(out, r)
			}
		}
	}
	sortRecords(out)
	return out, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
