// Package scheduler runs collection batches: a bounded fan-out of per-location fetches with
// retry, feeding a single storage writer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-insights/internal/client"
	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/storage"
	"github.com/kjstillabower/weather-insights/internal/traffic"
)

// ErrAllLocationsFailed is returned together with the full BatchResult when no location
// in a non-empty batch succeeded.
var ErrAllLocationsFailed = errors.New("all locations failed")

// Config holds collection settings. Zero values fall back to the defaults below.
type Config struct {
	ConcurrencyLimit  int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RateLimitMinDelay time.Duration
}

const (
	DefaultConcurrencyLimit  = 10
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = 200 * time.Millisecond
	DefaultMaxDelay          = 5 * time.Second
	DefaultRateLimitMinDelay = time.Second
)

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.RateLimitMinDelay <= 0 {
		c.RateLimitMinDelay = DefaultRateLimitMinDelay
	}
	return c
}

// Collector runs collection batches against a Fetcher and a Store.
type Collector struct {
	fetcher client.Fetcher
	store   storage.Store
	cfg     Config
	tracker *traffic.Tracker
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewCollector returns a Collector. tracker may be nil to skip outcome tracking.
func NewCollector(fetcher client.Fetcher, store storage.Store, cfg Config, tracker *traffic.Tracker, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg.withDefaults(),
		tracker: tracker,
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

type status int

const (
	pending status = iota
	succeeded
	failed
)

type outcome struct {
	status  status
	records int
	reason  models.FailureReason
}

type writeRequest struct {
	index int
	loc   models.Location
	obs   []models.RawObservation
}

// batch is the mutable state of one Collect call.
type batch struct {
	parent   context.Context
	mu       sync.Mutex
	outcomes []outcome
	fatal    error
}

func (b *batch) succeed(i, records int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outcomes[i].status == pending {
		b.outcomes[i] = outcome{status: succeeded, records: records}
	}
}

func (b *batch) fail(i int, category client.ErrorCategory, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outcomes[i].status == pending {
		b.outcomes[i] = outcome{status: failed, reason: models.FailureReason{Category: string(category), Message: msg}}
	}
}

func (b *batch) setFatal(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fatal == nil {
		b.fatal = err
	}
}

func (b *batch) fatalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// Collect fetches every location with at most limit concurrent fetches (limit <= 0 uses the
// configured default) and appends the results to the store through a single writer.
//
// A failing location never affects the others. The ctx deadline bounds the batch: locations
// in flight or not yet started when it expires fail with category deadline_exceeded, or
// canceled when the caller cancels ctx instead.
// A storage error aborts the batch and is returned; locations already written stay in
// Succeeded. When every location fails the full result is returned with ErrAllLocationsFailed.
func (c *Collector) Collect(ctx context.Context, locations []models.Location, horizonDays, limit int) (models.BatchResult, error) {
	if horizonDays < 1 || horizonDays > client.MaxHorizonDays {
		return models.BatchResult{}, &client.ValidationError{
			Field:  "horizon_days",
			Value:  horizonDays,
			Reason: fmt.Sprintf("must be between 1 and %d", client.MaxHorizonDays),
		}
	}
	if limit <= 0 {
		limit = c.cfg.ConcurrencyLimit
	}

	start := c.now()
	result := models.BatchResult{
		ID:        uuid.New().String(),
		Horizon:   horizonDays,
		StartedAt: start,
		Succeeded: []models.LocationCount{},
		Failed:    map[string]models.FailureReason{},
	}

	locations = dedupe(locations)
	if len(locations) == 0 {
		result.FinishedAt = c.now()
		return result, nil
	}

	logger := c.logger.With(zap.String("batch_id", result.ID))
	b := &batch{parent: ctx, outcomes: make([]outcome, len(locations))}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writes := make(chan writeRequest, limit)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.runWriter(batchCtx, cancel, writes, b, logger)
	}()

	g, gCtx := errgroup.WithContext(batchCtx)
	g.SetLimit(limit)

	for i, loc := range locations {
		i, loc := i, loc
		if gCtx.Err() != nil {
			b.fail(i, b.abortCategory(), "not attempted: "+b.abortMessage())
			continue
		}
		g.Go(func() error {
			c.collectOne(gCtx, i, loc, horizonDays, writes, b, logger)
			// Per-location failures are recorded in the batch, never returned.
			return nil
		})
	}
	_ = g.Wait()
	close(writes)
	<-writerDone

	fatal := b.fatalErr()
	for i, loc := range locations {
		o := b.outcomes[i]
		switch o.status {
		case succeeded:
			result.Succeeded = append(result.Succeeded, models.LocationCount{Location: loc.Name, Records: o.records})
		case failed:
			result.Failed[loc.Name] = o.reason
		default:
			result.Failed[loc.Name] = models.FailureReason{
				Category: string(b.abortCategory()),
				Message:  "not written: " + b.abortMessage(),
			}
		}
	}
	result.FinishedAt = c.now()

	c.recordBatch(result, fatal, logger)

	switch {
	case fatal != nil:
		return result, fatal
	case len(result.Succeeded) == 0:
		return result, ErrAllLocationsFailed
	}
	return result, nil
}

// collectOne fetches one location with retry and hands the records to the writer.
func (c *Collector) collectOne(ctx context.Context, i int, loc models.Location, horizonDays int, writes chan<- writeRequest, b *batch, logger *zap.Logger) {
	obs, attempts, err := c.fetchWithRetry(ctx, loc, horizonDays)
	if err != nil {
		category := client.CategorizeError(err)
		if ctx.Err() != nil {
			category = b.abortCategory()
		}
		b.fail(i, category, err.Error())
		logger.Warn("location collection failed",
			zap.String("location", loc.Name),
			zap.String("category", string(category)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}

	select {
	case writes <- writeRequest{index: i, loc: loc, obs: obs}:
	case <-ctx.Done():
		b.fail(i, b.abortCategory(), "fetched but not written: "+b.abortMessage())
	}
}

// runWriter is the only goroutine that writes to the store during a batch.
func (c *Collector) runWriter(ctx context.Context, cancel context.CancelFunc, writes <-chan writeRequest, b *batch, logger *zap.Logger) {
	for req := range writes {
		if ctx.Err() != nil {
			b.fail(req.index, b.abortCategory(), "not written: "+b.abortMessage())
			continue
		}

		start := time.Now()
		err := c.store.Put(ctx, req.loc.Name, req.obs)
		observability.ObserveStorage("put", start, err)
		if err != nil {
			if ctx.Err() != nil {
				b.fail(req.index, b.abortCategory(), err.Error())
				continue
			}
			b.fail(req.index, client.ErrorCategoryStorage, err.Error())
			b.setFatal(fmt.Errorf("write %s: %w", req.loc.Name, err))
			logger.Error("storage write failed, aborting batch",
				zap.String("location", req.loc.Name),
				zap.Error(err),
			)
			cancel()
			continue
		}
		observability.RecordsStoredTotal.Add(float64(len(req.obs)))
		b.succeed(req.index, len(req.obs))
	}
}

// fetchWithRetry returns the observations of the first successful attempt, so a retried
// location never yields records from more than one attempt.
func (c *Collector) fetchWithRetry(ctx context.Context, loc models.Location, horizonDays int) ([]models.RawObservation, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			observability.FetchRetriesTotal.WithLabelValues(string(client.CategorizeError(lastErr))).Inc()
			if err := c.sleep(ctx, c.backoff(attempt-1, lastErr)); err != nil {
				return nil, attempt - 1, fmt.Errorf("retry wait: %w (last error: %v)", err, lastErr)
			}
		}

		obs, err := c.fetcher.Fetch(ctx, loc, horizonDays)
		if err == nil {
			return obs, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || !client.IsRetryable(err) {
			return nil, attempt, err
		}
	}
	return nil, c.cfg.MaxAttempts, fmt.Errorf("exhausted %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// backoff returns the delay before retry n (1-based): exponential with up to 10% jitter,
// raised to the rate-limit floor or the server's Retry-After for RateLimitError.
func (c *Collector) backoff(n int, lastErr error) time.Duration {
	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(n-1))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	d := time.Duration(delay + jitter)

	if retryAfter, ok := client.RetryAfter(lastErr); ok {
		if d < c.cfg.RateLimitMinDelay {
			d = c.cfg.RateLimitMinDelay
		}
		if d < retryAfter {
			d = retryAfter
		}
	}
	return d
}

// abortCategory names why an unfinished location was stopped: the storage failure that
// cancelled the batch, the caller cancelling, or the caller's deadline.
func (b *batch) abortCategory() client.ErrorCategory {
	parentErr := b.parent.Err()
	switch {
	case b.fatalErr() != nil && parentErr == nil:
		return client.ErrorCategoryStorage
	case errors.Is(parentErr, context.Canceled):
		return client.ErrorCategoryCanceled
	}
	return client.ErrorCategoryDeadlineExceeded
}

func (b *batch) abortMessage() string {
	if err := b.parent.Err(); err != nil {
		return err.Error()
	}
	if err := b.fatalErr(); err != nil {
		return "batch aborted after storage failure"
	}
	return "batch cancelled"
}

func (c *Collector) recordBatch(result models.BatchResult, fatal error, logger *zap.Logger) {
	succeeded, failed := len(result.Succeeded), len(result.Failed)
	for range result.Succeeded {
		observability.LocationCollectionsTotal.WithLabelValues("success").Inc()
	}
	for _, reason := range result.Failed {
		observability.LocationCollectionsTotal.WithLabelValues(reason.Category).Inc()
	}
	if c.tracker != nil {
		c.tracker.RecordN(succeeded, failed)
	}

	outcome := "complete"
	switch {
	case fatal != nil:
		outcome = "fatal"
	case succeeded == 0:
		outcome = "all_failed"
	case failed > 0:
		outcome = "partial"
	}
	observability.CollectionBatchesTotal.WithLabelValues(outcome).Inc()
	duration := result.FinishedAt.Sub(result.StartedAt)
	observability.CollectionBatchDuration.Observe(duration.Seconds())

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Int("horizon_days", result.Horizon),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("records", result.RecordsWritten()),
		zap.Duration("duration", duration),
	}
	if outcome == "complete" {
		logger.Info("collection batch finished", fields...)
	} else {
		logger.Warn("collection batch finished", fields...)
	}
}

// dedupe drops repeated locations (by normalized name), keeping the first occurrence.
func dedupe(locations []models.Location) []models.Location {
	seen := make(map[string]struct{}, len(locations))
	out := make([]models.Location, 0, len(locations))
	for _, loc := range locations {
		if _, ok := seen[loc.Key()]; ok {
			continue
		}
		seen[loc.Key()] = struct{}{}
		out = append(out, loc)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
