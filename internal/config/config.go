package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxHorizonDays is the longest forecast horizon the upstream API serves.
const MaxHorizonDays = 16

// LocationConfig is one entry of the locations list.
type LocationConfig struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	WeatherAPIURL            string
	WeatherAPITimeout        time.Duration
	WeatherAPIRateLimitRPS   float64
	WeatherAPIRateLimitBurst int
	BreakerFailureThreshold  uint32
	BreakerOpenTimeout       time.Duration
	BreakerHalfOpenRequests  uint32

	HorizonDays           int
	ConcurrencyLimit      int
	RetryAttempts         int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	RateLimitMinDelay     time.Duration
	BatchTimeout          time.Duration
	CollectionInterval    time.Duration // 0 disables periodic collection
	CoalesceTimeout       time.Duration // 0 disables request coalescing
	CollectRateLimitRPS   int           // inbound limit on POST /collect
	CollectRateLimitBurst int

	StorageBackend        string // "memory", "postgres" or "memcached"
	PostgresDSN           string
	PostgresMaxOpenConns  int
	PostgresMaxIdleConns  int
	PostgresConnLifetime  time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedTTL          time.Duration

	QualityTemperatureMin      float64
	QualityTemperatureMax      float64
	QualityHumidityMin         float64
	QualityHumidityMax         float64
	QualityWindSpeedMin        float64
	QualityWindSpeedMax        float64
	QualityPrecipitationMin    float64
	QualityCompletenessWeight  float64
	QualityValidityWeight      float64
	QualityMaxTemperatureRange float64

	InsightHeatAvgMax        float64
	InsightFrostMin          float64
	InsightHeavyPrecipTotal  float64
	InsightSwingDelta        float64
	InsightDeviationFromMean float64
	InsightRainyDayThreshold float64
	InsightLightMax          float64
	InsightModerateMax       float64

	DegradedWindow     time.Duration
	DegradedFailurePct int

	ShutdownTimeout time.Duration

	Locations []LocationConfig
}

type fileConfig struct {
	Server struct {
		Port           string `yaml:"port"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL            string  `yaml:"url"`
		Timeout        string  `yaml:"timeout"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			FailureThreshold uint32 `yaml:"failure_threshold"`
			OpenTimeout      string `yaml:"open_timeout"`
			HalfOpenRequests uint32 `yaml:"half_open_requests"`
		} `yaml:"circuit_breaker"`
	} `yaml:"weather_api"`

	Collection struct {
		HorizonDays       int    `yaml:"horizon_days"`
		ConcurrencyLimit  int    `yaml:"concurrency_limit"`
		RetryMaxAttempts  int    `yaml:"retry_max_attempts"`
		RetryBaseDelay    string `yaml:"retry_base_delay"`
		RetryMaxDelay     string `yaml:"retry_max_delay"`
		RateLimitMinDelay string `yaml:"rate_limit_min_delay"`
		BatchTimeout      string `yaml:"batch_timeout"`
		Interval          string `yaml:"interval"`
		CoalesceTimeout   string `yaml:"coalesce_timeout"`
		RateLimitRPS      int    `yaml:"rate_limit_rps"`
		RateLimitBurst    int    `yaml:"rate_limit_burst"`
	} `yaml:"collection"`

	Storage struct {
		Backend  string `yaml:"backend"`
		Postgres struct {
			DSN             string `yaml:"dsn"`
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			TTL          string `yaml:"ttl"`
		} `yaml:"memcached"`
	} `yaml:"storage"`

	Quality struct {
		TemperatureMin      *float64 `yaml:"temperature_min"`
		TemperatureMax      *float64 `yaml:"temperature_max"`
		HumidityMin         *float64 `yaml:"humidity_min"`
		HumidityMax         *float64 `yaml:"humidity_max"`
		WindSpeedMin        *float64 `yaml:"wind_speed_min"`
		WindSpeedMax        *float64 `yaml:"wind_speed_max"`
		PrecipitationMin    *float64 `yaml:"precipitation_min"`
		CompletenessWeight  *float64 `yaml:"completeness_weight"`
		ValidityWeight      *float64 `yaml:"validity_weight"`
		MaxTemperatureRange *float64 `yaml:"max_temperature_range"`
	} `yaml:"quality"`

	Insights struct {
		HeatAvgMax        *float64 `yaml:"heat_avg_max"`
		FrostMin          *float64 `yaml:"frost_min"`
		HeavyPrecipTotal  *float64 `yaml:"heavy_precip_total"`
		SwingDelta        *float64 `yaml:"swing_delta"`
		DeviationFromMean *float64 `yaml:"deviation_from_mean"`
		RainyDayThreshold *float64 `yaml:"rainy_day_threshold"`
		LightMax          *float64 `yaml:"light_max"`
		ModerateMax       *float64 `yaml:"moderate_max"`
	} `yaml:"insights"`

	Health struct {
		DegradedWindow     string `yaml:"degraded_window"`
		DegradedFailurePct int    `yaml:"degraded_failure_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Locations []LocationConfig `yaml:"locations"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) after loading an optional
// .env file. STORAGE_BACKEND, POSTGRES_DSN, MEMCACHED_ADDRS and WEATHER_API_URL override the file.
// Call from project root.
func Load() (*Config, error) {
	// A missing .env is normal; variables already set in the environment win.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 5*time.Second)

	cfg.WeatherAPIURL = envOr("WEATHER_API_URL", fc.WeatherAPI.URL)
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.open-meteo.com/v1/forecast"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)
	cfg.WeatherAPIRateLimitRPS = fc.WeatherAPI.RateLimitRPS
	cfg.WeatherAPIRateLimitBurst = fc.WeatherAPI.RateLimitBurst
	if cfg.WeatherAPIRateLimitRPS > 0 && cfg.WeatherAPIRateLimitBurst <= 0 {
		cfg.WeatherAPIRateLimitBurst = 1
	}
	cfg.BreakerFailureThreshold = fc.WeatherAPI.CircuitBreaker.FailureThreshold
	cfg.BreakerOpenTimeout = parseDuration(fc.WeatherAPI.CircuitBreaker.OpenTimeout, 30*time.Second)
	cfg.BreakerHalfOpenRequests = fc.WeatherAPI.CircuitBreaker.HalfOpenRequests
	if cfg.BreakerHalfOpenRequests == 0 {
		cfg.BreakerHalfOpenRequests = 1
	}

	cfg.HorizonDays = fc.Collection.HorizonDays
	if cfg.HorizonDays == 0 {
		cfg.HorizonDays = 7
	}
	cfg.ConcurrencyLimit = fc.Collection.ConcurrencyLimit
	if cfg.ConcurrencyLimit == 0 {
		cfg.ConcurrencyLimit = 10
	}
	cfg.RetryAttempts = fc.Collection.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Collection.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Collection.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitMinDelay = parseDuration(fc.Collection.RateLimitMinDelay, time.Second)
	cfg.BatchTimeout = parseDuration(fc.Collection.BatchTimeout, 2*time.Minute)
	cfg.CollectionInterval = parseDurationOrZero(fc.Collection.Interval, 0)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Collection.CoalesceTimeout, cfg.BatchTimeout)
	cfg.CollectRateLimitRPS = fc.Collection.RateLimitRPS
	if cfg.CollectRateLimitRPS <= 0 {
		cfg.CollectRateLimitRPS = 1
	}
	cfg.CollectRateLimitBurst = fc.Collection.RateLimitBurst
	if cfg.CollectRateLimitBurst <= 0 {
		cfg.CollectRateLimitBurst = 3
	}

	cfg.StorageBackend = strings.TrimSpace(strings.ToLower(envOr("STORAGE_BACKEND", fc.Storage.Backend)))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "memory"
	}
	cfg.PostgresDSN = envOr("POSTGRES_DSN", fc.Storage.Postgres.DSN)
	cfg.PostgresMaxOpenConns = fc.Storage.Postgres.MaxOpenConns
	if cfg.PostgresMaxOpenConns <= 0 {
		cfg.PostgresMaxOpenConns = 10
	}
	cfg.PostgresMaxIdleConns = fc.Storage.Postgres.MaxIdleConns
	if cfg.PostgresMaxIdleConns <= 0 {
		cfg.PostgresMaxIdleConns = 5
	}
	cfg.PostgresConnLifetime = parseDuration(fc.Storage.Postgres.ConnMaxLifetime, 30*time.Minute)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Storage.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Storage.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Storage.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.MemcachedTTL = parseDurationOrZero(fc.Storage.Memcached.TTL, 0)

	q := fc.Quality
	cfg.QualityTemperatureMin = floatOr(q.TemperatureMin, -50)
	cfg.QualityTemperatureMax = floatOr(q.TemperatureMax, 50)
	cfg.QualityHumidityMin = floatOr(q.HumidityMin, 0)
	cfg.QualityHumidityMax = floatOr(q.HumidityMax, 100)
	cfg.QualityWindSpeedMin = floatOr(q.WindSpeedMin, 0)
	cfg.QualityWindSpeedMax = floatOr(q.WindSpeedMax, 0)
	cfg.QualityPrecipitationMin = floatOr(q.PrecipitationMin, 0)
	cfg.QualityCompletenessWeight = floatOr(q.CompletenessWeight, 0.5)
	cfg.QualityValidityWeight = floatOr(q.ValidityWeight, 0.5)
	cfg.QualityMaxTemperatureRange = floatOr(q.MaxTemperatureRange, 40)

	in := fc.Insights
	cfg.InsightHeatAvgMax = floatOr(in.HeatAvgMax, 25)
	cfg.InsightFrostMin = floatOr(in.FrostMin, -10)
	cfg.InsightHeavyPrecipTotal = floatOr(in.HeavyPrecipTotal, 50)
	cfg.InsightSwingDelta = floatOr(in.SwingDelta, 8)
	cfg.InsightDeviationFromMean = floatOr(in.DeviationFromMean, 10)
	cfg.InsightRainyDayThreshold = floatOr(in.RainyDayThreshold, 0.1)
	cfg.InsightLightMax = floatOr(in.LightMax, 2.5)
	cfg.InsightModerateMax = floatOr(in.ModerateMax, 7.6)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedFailurePct = fc.Health.DegradedFailurePct
	if cfg.DegradedFailurePct <= 0 {
		cfg.DegradedFailurePct = 50
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.Locations = fc.Locations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func floatOr(v *float64, defaultVal float64) float64 {
	if v == nil {
		return defaultVal
	}
	return *v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout so a handler never times out before the upstream call does.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return errors.New("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.HorizonDays < 1 || cfg.HorizonDays > MaxHorizonDays {
		return fmt.Errorf("collection.horizon_days must be in [1,%d], got %d", MaxHorizonDays, cfg.HorizonDays)
	}
	if cfg.ConcurrencyLimit < 1 {
		return fmt.Errorf("collection.concurrency_limit must be positive, got %d", cfg.ConcurrencyLimit)
	}
	if cfg.CollectionInterval < 0 || cfg.CoalesceTimeout < 0 {
		return errors.New("collection.interval and collection.coalesce_timeout must not be negative")
	}
	switch cfg.StorageBackend {
	case "memory", "memcached":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return errors.New("storage.postgres.dsn (or POSTGRES_DSN) required for postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, postgres or memcached, got %q", cfg.StorageBackend)
	}
	wc, wv := cfg.QualityCompletenessWeight, cfg.QualityValidityWeight
	if wc < 0 || wv < 0 || math.Abs(wc+wv-1) > 1e-9 {
		return fmt.Errorf("quality weights must be non-negative and sum to 1, got %v + %v", wc, wv)
	}
	if cfg.QualityTemperatureMin > cfg.QualityTemperatureMax || cfg.QualityHumidityMin > cfg.QualityHumidityMax {
		return errors.New("quality bounds: min must not exceed max")
	}
	if cfg.InsightLightMax > cfg.InsightModerateMax {
		return errors.New("insights.light_max must not exceed insights.moderate_max")
	}
	return nil
}
