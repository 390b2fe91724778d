package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config selects and configures a storage backend.
type Config struct {
	Backend string

	Postgres PostgresConfig

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedTTL          time.Duration
}

// Open returns the configured Store and a close function to call during shutdown.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, func() error, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), func() error { return nil }, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case BackendMemcached:
		s, err := NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.MemcachedTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
