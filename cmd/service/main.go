package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-insights/internal/client"
	"github.com/kjstillabower/weather-insights/internal/config"
	httphandler "github.com/kjstillabower/weather-insights/internal/http"
	"github.com/kjstillabower/weather-insights/internal/insight"
	"github.com/kjstillabower/weather-insights/internal/lifecycle"
	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/quality"
	"github.com/kjstillabower/weather-insights/internal/registry"
	"github.com/kjstillabower/weather-insights/internal/scheduler"
	"github.com/kjstillabower/weather-insights/internal/service"
	"github.com/kjstillabower/weather-insights/internal/storage"
	"github.com/kjstillabower/weather-insights/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Flush(logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	reg, err := registry.New(registryLocations(cfg.Locations))
	if err != nil {
		logger.Fatal("locations", zap.Error(err))
	}
	logger.Info("locations loaded", zap.Int("count", reg.Len()))

	weatherClient, err := client.NewOpenMeteoClient(client.Config{
		BaseURL:                 cfg.WeatherAPIURL,
		Timeout:                 cfg.WeatherAPITimeout,
		RateLimitRPS:            cfg.WeatherAPIRateLimitRPS,
		RateLimitBurst:          cfg.WeatherAPIRateLimitBurst,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerHalfOpenRequests: cfg.BreakerHalfOpenRequests,
	}, logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, closeStore, err := storage.Open(openCtx, storage.Config{
		Backend: cfg.StorageBackend,
		Postgres: storage.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxOpenConns:    cfg.PostgresMaxOpenConns,
			MaxIdleConns:    cfg.PostgresMaxIdleConns,
			ConnMaxLifetime: cfg.PostgresConnLifetime,
		},
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
		MemcachedTTL:          cfg.MemcachedTTL,
	}, logger)
	openCancel()
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	logger.Info("storage backend", zap.String("backend", cfg.StorageBackend))

	tracker := traffic.Default()
	collector := scheduler.NewCollector(weatherClient, store, scheduler.Config{
		ConcurrencyLimit:  cfg.ConcurrencyLimit,
		MaxAttempts:       cfg.RetryAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		RateLimitMinDelay: cfg.RateLimitMinDelay,
	}, tracker, logger)

	qualityEngine, err := quality.NewEngine(store, quality.Config{
		TemperatureMin:      cfg.QualityTemperatureMin,
		TemperatureMax:      cfg.QualityTemperatureMax,
		HumidityMin:         cfg.QualityHumidityMin,
		HumidityMax:         cfg.QualityHumidityMax,
		WindSpeedMin:        cfg.QualityWindSpeedMin,
		WindSpeedMax:        cfg.QualityWindSpeedMax,
		PrecipitationMin:    cfg.QualityPrecipitationMin,
		CompletenessWeight:  cfg.QualityCompletenessWeight,
		ValidityWeight:      cfg.QualityValidityWeight,
		MaxTemperatureRange: cfg.QualityMaxTemperatureRange,
	}, logger)
	if err != nil {
		logger.Fatal("quality engine", zap.Error(err))
	}
	insightEngine := insight.NewEngine(store, insight.Config{
		HeatAvgMax:        cfg.InsightHeatAvgMax,
		FrostMin:          cfg.InsightFrostMin,
		HeavyPrecipTotal:  cfg.InsightHeavyPrecipTotal,
		SwingDelta:        cfg.InsightSwingDelta,
		DeviationFromMean: cfg.InsightDeviationFromMean,
		RainyDayThreshold: cfg.InsightRainyDayThreshold,
		LightMax:          cfg.InsightLightMax,
		ModerateMax:       cfg.InsightModerateMax,
		TemperatureMin:    cfg.QualityTemperatureMin,
		TemperatureMax:    cfg.QualityTemperatureMax,
		PrecipitationMin:  cfg.QualityPrecipitationMin,
	}, logger)

	pipeline := service.NewPipeline(collector, qualityEngine, insightEngine, cfg.CoalesceTimeout, logger)

	var periodic *scheduler.Periodic
	if cfg.CollectionInterval > 0 {
		periodic = scheduler.NewPeriodic(pipeline, reg.All, scheduler.PeriodicConfig{
			Interval:     cfg.CollectionInterval,
			HorizonDays:  cfg.HorizonDays,
			BatchTimeout: cfg.BatchTimeout,
			Limit:        cfg.ConcurrencyLimit,
		}, logger)
		if err := periodic.Start(); err != nil {
			logger.Fatal("periodic collection", zap.Error(err))
		}
		logger.Info("periodic collection enabled", zap.Duration("interval", cfg.CollectionInterval))
	}

	healthConfig := &httphandler.HealthConfig{
		Tracker:            tracker,
		DegradedWindow:     cfg.DegradedWindow,
		DegradedFailurePct: cfg.DegradedFailurePct,
		BreakerState:       weatherClient.BreakerState,
	}
	if p, ok := store.(storage.Pinger); ok {
		healthConfig.StoragePing = p.Ping
	}
	observability.RegisterTrafficGauges(tracker, cfg.DegradedWindow)

	handler := httphandler.NewHandler(pipeline, reg, healthConfig, httphandler.CollectDefaults{
		HorizonDays:      cfg.HorizonDays,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
	}, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		CollectTimeout: cfg.BatchTimeout,
		CollectLimiter: rate.NewLimiter(rate.Limit(cfg.CollectRateLimitRPS), cfg.CollectRateLimitBurst),
	})

	// A collect request may run for the whole batch timeout.
	writeTimeout := cfg.BatchTimeout + 5*time.Second
	if writeTimeout < 10*time.Second {
		writeTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	if periodic != nil {
		periodic.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	requests, collections := lifecycle.InFlight()
	logger.Info("waiting for in-flight work", zap.Int("requests", requests), zap.Int("collections", collections))
	if err := lifecycle.WaitForIdle(shutdownCtx); err != nil {
		requests, collections = lifecycle.InFlight()
		logger.Warn("in-flight work not completed",
			zap.Error(err),
			zap.Int("requests", requests),
			zap.Int("collections", collections),
		)
	}

	if err := closeStore(); err != nil {
		logger.Error("storage close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// registryLocations maps configured locations, falling back to the built-in set when none are configured.
func registryLocations(cfgLocs []config.LocationConfig) []models.Location {
	if len(cfgLocs) == 0 {
		return registry.DefaultLocations
	}
	locs := make([]models.Location, 0, len(cfgLocs))
	for _, l := range cfgLocs {
		locs = append(locs, models.Location{Name: l.Name, Latitude: l.Lat, Longitude: l.Lon})
	}
	return locs
}
