package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
)

// MaxHorizonDays is the longest forecast the upstream accepts.
const MaxHorizonDays = 16

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

const maxResponseBytes = 4 << 20

// Fetcher retrieves observations for one location over a forecast horizon.
// A Fetch makes a single attempt; retry policy belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, loc models.Location, horizonDays int) ([]models.RawObservation, error)
}

// Config holds fetch client settings. Zero RateLimitRPS disables outbound pacing;
// zero BreakerFailureThreshold disables the circuit breaker.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenRequests uint32
}

// OpenMeteoClient fetches current, hourly and daily forecast data from Open-Meteo.
// Safe for concurrent use.
type OpenMeteoClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewOpenMeteoClient returns a client for cfg. BaseURL defaults to the public endpoint.
func NewOpenMeteoClient(cfg Config, logger *zap.Logger) (*OpenMeteoClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &OpenMeteoClient{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}

	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	if cfg.BreakerFailureThreshold > 0 {
		threshold := cfg.BreakerFailureThreshold
		halfOpen := cfg.BreakerHalfOpenRequests
		if halfOpen == 0 {
			halfOpen = 1
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "open-meteo",
			MaxRequests: halfOpen,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Permanent errors describe one request, not the health of the upstream.
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}

	return c, nil
}

// BreakerState reports the circuit breaker state: closed, half-open, open, or disabled.
func (c *OpenMeteoClient) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Fetch makes one request for loc and returns its observations ordered by timestamp.
func (c *OpenMeteoClient) Fetch(ctx context.Context, loc models.Location, horizonDays int) ([]models.RawObservation, error) {
	if err := validateRequest(loc, horizonDays); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TimeoutError{Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}

	if c.breaker == nil {
		return c.callAPI(ctx, loc, horizonDays)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, loc, horizonDays)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.WeatherAPICallsTotal.WithLabelValues("circuit_open").Inc()
			return nil, &NetworkError{Op: "circuit", Err: err}
		}
		return nil, err
	}
	return result.([]models.RawObservation), nil
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, loc models.Location, horizonDays int) ([]models.RawObservation, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, loc, horizonDays)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	obs, err := parseForecast(body, loc.Name, horizonDays)
	if err != nil {
		c.logger.Debug("rejected forecast response",
			zap.String("location", loc.Name),
			zap.Error(err),
		)
		return nil, err
	}
	return obs, nil
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, loc models.Location, horizonDays int) (*http.Request, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	params.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m")
	params.Set("hourly", "temperature_2m")
	params.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_sum")
	params.Set("timezone", "auto")
	params.Set("forecast_days", strconv.Itoa(horizonDays))
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func validateRequest(loc models.Location, horizonDays int) error {
	if horizonDays < 1 || horizonDays > MaxHorizonDays {
		return &ValidationError{Field: "horizon_days", Value: horizonDays, Reason: fmt.Sprintf("must be between 1 and %d", MaxHorizonDays)}
	}
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return &ValidationError{Field: "latitude", Value: loc.Latitude, Reason: "must be between -90 and 90"}
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return &ValidationError{Field: "longitude", Value: loc.Longitude, Reason: "must be between -180 and 180"}
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Err: err}
	}
	return &NetworkError{Op: "request", Err: err}
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &NetworkError{Op: "upstream", StatusCode: resp.StatusCode}
	default:
		reason := "request rejected"
		// Open-Meteo reports bad parameters as {"error":true,"reason":"..."}.
		if msg := upstreamReason(resp.Body); msg != "" {
			reason = msg
		}
		return &MalformedResponseError{Reason: reason, StatusCode: resp.StatusCode}
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms. Returns 0 when absent or invalid.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
