package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-insights/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Forecast API call rate by status. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Forecast API latency per call. Watch for: p95 > 5s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retries per error category. High retries = unstable upstream or rate limiting.
	FetchRetriesTotal *prometheus.CounterVec

	// Per-location collection outcomes (success, or the failure category).
	LocationCollectionsTotal *prometheus.CounterVec

	// Batches by outcome: complete, partial, all_failed, fatal.
	CollectionBatchesTotal *prometheus.CounterVec

	// Wall time per batch.
	CollectionBatchDuration prometheus.Histogram

	// Batches joined by a concurrent identical request instead of running again.
	CollectionCoalescedTotal prometheus.Counter

	// Batches started while another batch was already collecting one of their locations.
	CollectionOverlapTotal prometheus.Counter

	// Records appended to storage.
	RecordsStoredTotal prometheus.Counter

	// Storage latency by operation and status.
	StorageOperationDuration *prometheus.HistogramVec

	// Last computed overall quality score (0..100).
	QualityOverallScore prometheus.Gauge

	// Last computed per-location completeness. Location set is bounded by the registry.
	QualityCompleteness *prometheus.GaugeVec

	// Anomalies found in the last assessment.
	QualityAnomalies prometheus.Gauge

	// Insights emitted by severity.
	InsightsGeneratedTotal *prometheus.CounterVec

	// Circuit breaker transitions for the forecast API.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials on the collect endpoint.
	RateLimitDeniedTotal prometheus.Counter

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of forecast API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Forecast API latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	FetchRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchRetriesTotal",
			Help: "Total number of fetch retry attempts by error category",
		},
		[]string{"category"},
	)
	LocationCollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationCollectionsTotal",
			Help: "Per-location collection outcomes (success or failure category)",
		},
		[]string{"outcome"},
	)
	CollectionBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectionBatchesTotal",
			Help: "Collection batches by outcome",
		},
		[]string{"outcome"},
	)
	CollectionBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collectionBatchDurationSeconds",
			Help:    "Collection batch wall time in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	CollectionCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collectionCoalescedTotal",
			Help: "Collection requests served by joining an identical in-flight batch",
		},
	)
	CollectionOverlapTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collectionOverlapTotal",
			Help: "Collection batches that overlapped a running batch on at least one location",
		},
	)
	RecordsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordsStoredTotal",
			Help: "Total number of observation records appended to storage",
		},
	)
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storageOperationDurationSeconds",
			Help:    "Storage operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
	QualityOverallScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qualityOverallScore",
			Help: "Overall data quality score from the last assessment (0-100)",
		},
	)
	QualityCompleteness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qualityCompletenessPct",
			Help: "Per-location completeness from the last assessment (0-100)",
		},
		[]string{"location"},
	)
	QualityAnomalies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qualityAnomalies",
			Help: "Number of anomalies found in the last assessment",
		},
	)
	InsightsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightsGeneratedTotal",
			Help: "Insights emitted by severity",
		},
		[]string{"severity"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Forecast API circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, FetchRetriesTotal,
		LocationCollectionsTotal, CollectionBatchesTotal, CollectionBatchDuration, CollectionCoalescedTotal, CollectionOverlapTotal,
		RecordsStoredTotal, StorageOperationDuration,
		QualityOverallScore, QualityCompleteness, QualityAnomalies,
		InsightsGeneratedTotal,
		CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers the location failure ratio gauge over the given window.
// Call from main after config load with the same window the health check uses.
func RegisterTrafficGauges(tracker *traffic.Tracker, window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "locationFailurePctInWindow",
					Help: "Percentage of location collections that failed in the sliding window",
				},
				func() float64 { return tracker.FailurePct(window) },
			),
		)
	})
}

// ObserveStorage records a storage operation duration with a success/error status.
func ObserveStorage(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
