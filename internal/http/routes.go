package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-insights/internal/observability"
)

// RouterConfig holds per-route limits.
type RouterConfig struct {
	// RequestTimeout bounds the read endpoints (/quality, /insights, /trends).
	RequestTimeout time.Duration
	// CollectTimeout bounds POST /collect; usually the batch timeout.
	CollectTimeout time.Duration
	// CollectLimiter paces POST /collect. Nil disables it.
	CollectLimiter *rate.Limiter
}

// NewRouter wires the handlers and middleware.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/locations", h.GetLocations).Methods(http.MethodGet)

	collectRouter := router.Path("/collect").Subrouter()
	collectRouter.Use(RateLimitMiddleware(cfg.CollectLimiter))
	if cfg.CollectTimeout > 0 {
		collectRouter.Use(TimeoutMiddleware(cfg.CollectTimeout))
	}
	collectRouter.Methods(http.MethodPost).HandlerFunc(h.PostCollect)

	readRouter := router.NewRoute().Subrouter()
	if cfg.RequestTimeout > 0 {
		readRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	readRouter.HandleFunc("/quality", h.GetQuality).Methods(http.MethodGet)
	readRouter.HandleFunc("/insights", h.GetInsights).Methods(http.MethodGet)
	readRouter.HandleFunc("/trends/{location}", h.GetTrends).Methods(http.MethodGet)

	return router
}
