//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/client"
	"github.com/kjstillabower/weather-insights/internal/insight"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/quality"
	"github.com/kjstillabower/weather-insights/internal/scheduler"
	"github.com/kjstillabower/weather-insights/internal/service"
	"github.com/kjstillabower/weather-insights/internal/storage"
	"github.com/kjstillabower/weather-insights/internal/traffic"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIURL         string
	StorageBackend string // "memory", "postgres" or "memcached"
	PostgresDSN    string
	MemcachedAddrs string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless INTEGRATION_LIVE_API is set, since it calls the public forecast API.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_LIVE_API") == "" {
		t.Skip("INTEGRATION_LIVE_API not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = client.DefaultBaseURL
	}
	backend := os.Getenv("INTEGRATION_STORAGE_BACKEND")
	if backend == "" {
		backend = storage.BackendMemory
	}
	memcachedAddrs := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddrs == "" {
		memcachedAddrs = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIURL:         apiURL,
		StorageBackend: backend,
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		MemcachedAddrs: memcachedAddrs,
	}
}

// Logger returns the production logger, or fails the test.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := observability.NewLogger("")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return logger
}

// SetupIntegrationClient creates a fetch client against the configured API.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenMeteoClient {
	t.Helper()
	c, err := client.NewOpenMeteoClient(client.Config{
		BaseURL:        cfg.APIURL,
		Timeout:        10 * time.Second,
		RateLimitRPS:   5,
		RateLimitBurst: 5,
	}, Logger(t))
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

// SetupIntegrationStore opens the configured backend, falling back to memory when it is
// unreachable. Returns the store and a cleanup function.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) (storage.Store, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, closeFn, err := storage.Open(ctx, storage.Config{
		Backend:               cfg.StorageBackend,
		Postgres:              storage.PostgresConfig{DSN: cfg.PostgresDSN, MaxOpenConns: 4, MaxIdleConns: 2},
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      500 * time.Millisecond,
		MemcachedMaxIdleConns: 2,
		MemcachedTTL:          time.Hour,
	}, Logger(t))
	if err != nil {
		t.Logf("storage backend %q not available (%v), using memory", cfg.StorageBackend, err)
		return storage.NewMemoryStore(), func() {}
	}
	if p, ok := store.(storage.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			t.Logf("storage backend %q not reachable (%v), using memory", cfg.StorageBackend, err)
			_ = closeFn()
			return storage.NewMemoryStore(), func() {}
		}
	}
	t.Logf("using %s storage", cfg.StorageBackend)
	return store, func() { _ = closeFn() }
}

// SetupIntegrationPipeline wires client, store, collector and engines the way main does.
// Returns the pipeline, the store (for assertions) and a cleanup function.
func SetupIntegrationPipeline(t *testing.T, cfg IntegrationTestConfig) (*service.Pipeline, storage.Store, func()) {
	t.Helper()
	logger := Logger(t)
	store, cleanup := SetupIntegrationStore(t, cfg)

	collector := scheduler.NewCollector(SetupIntegrationClient(t, cfg), store, scheduler.Config{ConcurrencyLimit: 4}, &traffic.Tracker{}, logger)
	qe, err := quality.NewEngine(store, quality.DefaultConfig(), logger)
	if err != nil {
		cleanup()
		t.Fatalf("quality.NewEngine() error = %v", err)
	}
	ie := insight.NewEngine(store, insight.DefaultConfig(), logger)
	return service.NewPipeline(collector, qe, ie, time.Minute, logger), store, cleanup
}
