package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// inProject writes content as config/dev.yaml in a temp dir and chdirs into it for the test.
func inProject(t *testing.T, content string) string {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, content)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	return dir
}

// clearOverrides unsets the env overrides so a developer's shell does not leak into tests.
func clearOverrides(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ENV_NAME", "STORAGE_BACKEND", "POSTGRES_DSN", "MEMCACHED_ADDRS", "WEATHER_API_URL"} {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearOverrides(t)
	t.Setenv("ENV_NAME", "nonexistent")
	inProject(t, minimalEnvYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

// TestLoad_Defaults verifies omitted sections fall back to the documented defaults.
func TestLoad_Defaults(t *testing.T) {
	clearOverrides(t)
	inProject(t, minimalEnvYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"ServerPort", cfg.ServerPort, "8080"},
		{"WeatherAPIURL", cfg.WeatherAPIURL, "https://api.open-meteo.com/v1/forecast"},
		{"WeatherAPITimeout", cfg.WeatherAPITimeout, 10 * time.Second},
		{"RequestTimeout", cfg.RequestTimeout, 11 * time.Second},
		{"HorizonDays", cfg.HorizonDays, 7},
		{"ConcurrencyLimit", cfg.ConcurrencyLimit, 10},
		{"RetryAttempts", cfg.RetryAttempts, 3},
		{"RetryBaseDelay", cfg.RetryBaseDelay, 200 * time.Millisecond},
		{"RetryMaxDelay", cfg.RetryMaxDelay, 5 * time.Second},
		{"RateLimitMinDelay", cfg.RateLimitMinDelay, time.Second},
		{"BatchTimeout", cfg.BatchTimeout, 2 * time.Minute},
		{"CollectionInterval", cfg.CollectionInterval, time.Duration(0)},
		{"CoalesceTimeout", cfg.CoalesceTimeout, 2 * time.Minute},
		{"BreakerHalfOpenRequests", cfg.BreakerHalfOpenRequests, uint32(1)},
		{"StorageBackend", cfg.StorageBackend, "memory"},
		{"MemcachedAddrs", cfg.MemcachedAddrs, "localhost:11211"},
		{"QualityTemperatureMin", cfg.QualityTemperatureMin, -50.0},
		{"QualityCompletenessWeight", cfg.QualityCompletenessWeight, 0.5},
		{"InsightHeatAvgMax", cfg.InsightHeatAvgMax, 25.0},
		{"InsightModerateMax", cfg.InsightModerateMax, 7.6},
		{"DegradedFailurePct", cfg.DegradedFailurePct, 50},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if len(cfg.Locations) != 0 {
		t.Errorf("Locations = %v, want empty", cfg.Locations)
	}
}

// TestLoad_ProjectConfig verifies the checked-in dev config loads and validates.
func TestLoad_ProjectConfig(t *testing.T) {
	clearOverrides(t)
	origWd, _ := os.Getwd()
	if err := os.Chdir(findProjectRoot(t)); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CollectionInterval != time.Hour {
		t.Errorf("CollectionInterval = %v, want 1h", cfg.CollectionInterval)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Errorf("BreakerFailureThreshold = %d, want 5", cfg.BreakerFailureThreshold)
	}
	if cfg.MemcachedTTL != 168*time.Hour {
		t.Errorf("MemcachedTTL = %v, want 168h", cfg.MemcachedTTL)
	}
}

func TestLoad_Locations(t *testing.T) {
	clearOverrides(t)
	inProject(t, minimalEnvYAML+`
locations:
  - name: "Oslo"
    lat: 59.91
    lon: 10.75
  - name: "Lima"
    lat: -12.05
    lon: -77.04
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Locations) != 2 || cfg.Locations[1].Name != "Lima" || cfg.Locations[1].Lat != -12.05 {
		t.Errorf("Locations = %+v", cfg.Locations)
	}
}

// TestLoad_EnvOverrides verifies environment variables take precedence over the file.
func TestLoad_EnvOverrides(t *testing.T) {
	clearOverrides(t)
	inProject(t, minimalEnvYAML)
	t.Setenv("STORAGE_BACKEND", " Postgres ")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db:5432/weather?sslmode=disable")
	t.Setenv("MEMCACHED_ADDRS", "mc1:11211,mc2:11211")
	t.Setenv("WEATHER_API_URL", "http://stub.local/forecast")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageBackend != "postgres" {
		t.Errorf("StorageBackend = %q, want postgres", cfg.StorageBackend)
	}
	if cfg.PostgresDSN != "postgres://u:p@db:5432/weather?sslmode=disable" {
		t.Errorf("PostgresDSN = %q", cfg.PostgresDSN)
	}
	if cfg.MemcachedAddrs != "mc1:11211,mc2:11211" {
		t.Errorf("MemcachedAddrs = %q", cfg.MemcachedAddrs)
	}
	if cfg.WeatherAPIURL != "http://stub.local/forecast" {
		t.Errorf("WeatherAPIURL = %q", cfg.WeatherAPIURL)
	}
}

// TestLoad_DotEnvFile verifies a .env file in the working directory is applied.
func TestLoad_DotEnvFile(t *testing.T) {
	clearOverrides(t)
	dir := inProject(t, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("STORAGE_BACKEND=memcached\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("STORAGE_BACKEND") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageBackend != "memcached" {
		t.Errorf("StorageBackend = %q, want memcached from .env", cfg.StorageBackend)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearOverrides(t)
	inProject(t, `
weather_api:
  timeout: "not-a-duration"
collection:
  retry_base_delay: "-5s"
  batch_timeout: "soon"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPITimeout != 10*time.Second {
		t.Errorf("WeatherAPITimeout = %v, want 10s", cfg.WeatherAPITimeout)
	}
	if cfg.RetryBaseDelay != 200*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 200ms", cfg.RetryBaseDelay)
	}
	if cfg.BatchTimeout != 2*time.Minute {
		t.Errorf("BatchTimeout = %v, want 2m", cfg.BatchTimeout)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	clearOverrides(t)
	inProject(t, "server:\n  port: [unclosed\n")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

// TestLoad_Validation verifies values that would break collection or scoring are rejected.
func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero api timeout", "weather_api:\n  timeout: \"0s\"\n", "weather_api.timeout"},
		{"horizon above max", "collection:\n  horizon_days: 17\n", "horizon_days"},
		{"negative horizon", "collection:\n  horizon_days: -1\n", "horizon_days"},
		{"negative concurrency", "collection:\n  concurrency_limit: -2\n", "concurrency_limit"},
		{"unknown backend", "storage:\n  backend: redis\n", "storage.backend"},
		{"postgres without dsn", "storage:\n  backend: postgres\n", "dsn"},
		{"weights over one", "quality:\n  completeness_weight: 0.6\n  validity_weight: 0.6\n", "weights"},
		{"negative weight", "quality:\n  completeness_weight: -0.5\n  validity_weight: 1.5\n", "weights"},
		{"inverted bounds", "quality:\n  temperature_min: 60\n", "bounds"},
		{"inverted intensity", "insights:\n  light_max: 10\n", "light_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearOverrides(t)
			inProject(t, tt.yaml)

			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load() = %+v, want error containing %q", cfg, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want message containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoad_WeightsWithinTolerance verifies float rounding in the weights is accepted.
func TestLoad_WeightsWithinTolerance(t *testing.T) {
	clearOverrides(t)
	inProject(t, "quality:\n  completeness_weight: 0.7\n  validity_weight: 0.3\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QualityCompletenessWeight != 0.7 {
		t.Errorf("QualityCompletenessWeight = %v, want 0.7", cfg.QualityCompletenessWeight)
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
shutdown:
  timeout: "30s"
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

// TestCoverageGaps_IntentionallyUntested documents paths we reviewed but chose not to test.
// Run with -v to see skip reasons.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Run("Load_read_config_error", func(t *testing.T) {
		t.Skip("ReadFile error path (permission denied, etc.) requires injecting a filesystem failure")
	})
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
