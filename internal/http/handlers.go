package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/client"
	"github.com/kjstillabower/weather-insights/internal/insight"
	"github.com/kjstillabower/weather-insights/internal/lifecycle"
	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/registry"
	"github.com/kjstillabower/weather-insights/internal/scheduler"
	"github.com/kjstillabower/weather-insights/internal/storage"
	"github.com/kjstillabower/weather-insights/internal/traffic"
)

// Service is the pipeline the handlers call into.
type Service interface {
	Collect(ctx context.Context, locations []models.Location, horizonDays, limit int) (models.BatchResult, error)
	Assess(ctx context.Context, locations []models.Location) (models.QualityReport, error)
	Insights(ctx context.Context, locations []models.Location) ([]models.Insight, error)
	Trends(ctx context.Context, loc models.Location) (insight.LocationTrend, error)
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	// Tracker records per-location collection outcomes. Nil disables the degraded check.
	Tracker            *traffic.Tracker
	DegradedWindow     time.Duration
	DegradedFailurePct int
	// StoragePing, when set, is called to check storage reachability.
	StoragePing func(ctx context.Context) error
	// BreakerState, when set, reports the forecast API circuit breaker state.
	BreakerState func() string
}

// CollectDefaults are used when a collect request omits horizon or concurrency.
type CollectDefaults struct {
	HorizonDays      int
	ConcurrencyLimit int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              Service
	registry         *registry.Registry
	healthConfig     *HealthConfig
	defaults         CollectDefaults
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	svc Service,
	reg *registry.Registry,
	healthConfig *HealthConfig,
	defaults CollectDefaults,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:          svc,
		registry:     reg,
		healthConfig: healthConfig,
		defaults:     defaults,
		logger:       logger,
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	requests, collections := lifecycle.InFlight()
	writeJSON(w, result.statusCode, map[string]interface{}{
		"inFlight":   map[string]int{"requests": requests, "collections": collections},
		"status":     result.status,
		"service":    observability.ServiceName,
		"version":    "dev",
		"checks":     result.checks,
		"collecting": lifecycle.IsCollecting(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > storage unreachable > upstream (failure ratio or open breaker) > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{}
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	storageOK := true
	if h.healthConfig.StoragePing != nil {
		if err := h.healthConfig.StoragePing(ctx); err != nil {
			storageOK = false
			checks["storage"] = "unhealthy"
		} else {
			checks["storage"] = "healthy"
		}
	}

	upstreamOK := true
	if t := h.healthConfig.Tracker; t != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedFailurePct > 0 {
		failures, total := t.FailureRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(h.healthConfig.DegradedFailurePct) {
			upstreamOK = false
		}
	}
	if h.healthConfig.BreakerState != nil && h.healthConfig.BreakerState() == "open" {
		upstreamOK = false
	}
	if upstreamOK {
		checks["weatherApi"] = "healthy"
	} else {
		checks["weatherApi"] = "unhealthy"
	}

	switch {
	case !storageOK:
		return healthResult{"degraded", http.StatusServiceUnavailable, "storage_unreachable", checks}
	case !upstreamOK:
		return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_unhealthy", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// GetLocations handles GET /locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": h.registry.All(),
	})
}

type collectRequest struct {
	Locations   []string `json:"locations"`
	HorizonDays int      `json:"horizon_days"`
	Concurrency int      `json:"concurrency"`
}

type collectResponse struct {
	Status string `json:"status"`
	models.BatchResult
}

// batchStatus summarizes a batch as complete, partial or all_failed.
func batchStatus(b models.BatchResult) string {
	switch {
	case len(b.Failed) == 0:
		return "complete"
	case len(b.Succeeded) == 0:
		return "all_failed"
	default:
		return "partial"
	}
}

// PostCollect handles POST /collect. An empty body collects every registered location with
// the configured horizon.
func (h *Handler) PostCollect(w http.ResponseWriter, r *http.Request) {
	if lifecycle.IsShuttingDown() {
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
		return
	}

	var req collectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON object")
		return
	}
	if req.HorizonDays == 0 {
		req.HorizonDays = h.defaults.HorizonDays
	}
	if req.HorizonDays < 1 || req.HorizonDays > client.MaxHorizonDays {
		writeError(w, r, http.StatusBadRequest, "INVALID_HORIZON",
			fmt.Sprintf("horizon_days must be between 1 and %d", client.MaxHorizonDays))
		return
	}
	if req.Concurrency < 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_CONCURRENCY", "concurrency must not be negative")
		return
	}
	if req.Concurrency == 0 {
		req.Concurrency = h.defaults.ConcurrencyLimit
	}

	locations, err := h.registry.Select(req.Locations)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_LOCATION", err.Error())
		return
	}

	result, err := h.svc.Collect(r.Context(), locations, req.HorizonDays, req.Concurrency)
	if err != nil && !errors.Is(err, scheduler.ErrAllLocationsFailed) {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collectResponse{Status: batchStatus(result), BatchResult: result})
}

// GetQuality handles GET /quality?locations=a,b.
func (h *Handler) GetQuality(w http.ResponseWriter, r *http.Request) {
	locations, ok := h.selectFromQuery(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Assess(r.Context(), locations)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetInsights handles GET /insights?locations=a,b.
func (h *Handler) GetInsights(w http.ResponseWriter, r *http.Request) {
	locations, ok := h.selectFromQuery(w, r)
	if !ok {
		return
	}
	insights, err := h.svc.Insights(r.Context(), locations)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(insights),
		"insights": insights,
	})
}

// GetTrends handles GET /trends/{location}.
func (h *Handler) GetTrends(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(mux.Vars(r)["location"])
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "location is required")
		return
	}
	loc, err := h.registry.Lookup(name)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_LOCATION", err.Error())
		return
	}
	trend, err := h.svc.Trends(r.Context(), loc)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// selectFromQuery resolves the comma-separated locations query parameter. It writes a 400 and
// returns false when a name is unknown.
func (h *Handler) selectFromQuery(w http.ResponseWriter, r *http.Request) ([]models.Location, bool) {
	var names []string
	if raw := r.URL.Query().Get("locations"); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	locations, err := h.registry.Select(names)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_LOCATION", err.Error())
		return nil, false
	}
	return locations, true
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a pipeline error to a status code and logs the cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var storageErr *storage.Error
	var validationErr *client.ValidationError
	category := client.CategorizeError(err)
	switch {
	case errors.As(err, &storageErr):
		category = client.ErrorCategoryStorage
		writeError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage is unavailable")
	case errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", validationErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Warn("request failed", zap.Error(err), zap.String("category", string(category)))
	}
}
