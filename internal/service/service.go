package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/insight"
	"github.com/kjstillabower/weather-insights/internal/lifecycle"
	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/scheduler"
)

// QualityAssessor produces a quality report from stored data.
type QualityAssessor interface {
	Assess(ctx context.Context, locations []models.Location) (models.QualityReport, error)
}

// InsightAnalyzer produces ranked insights and per-location trends from stored data.
type InsightAnalyzer interface {
	Analyze(ctx context.Context, locations []models.Location) ([]models.Insight, error)
	Trends(ctx context.Context, loc models.Location) (insight.LocationTrend, error)
}

// Pipeline is the service layer in front of the collector and the engines. Identical
// concurrent collection requests share one batch. Pipeline satisfies scheduler.BatchCollector,
// so periodic and on-demand collection coalesce with each other.
type Pipeline struct {
	collector scheduler.BatchCollector
	quality   QualityAssessor
	insights  InsightAnalyzer
	coalescer *batchCoalescer // nil if disabled
	overlaps  *overlapTracker
	logger    *zap.Logger
}

// NewPipeline creates a Pipeline. coalesceTimeout bounds how long a joining caller waits
// for another caller's batch; coalescing is disabled when it is 0.
func NewPipeline(collector scheduler.BatchCollector, quality QualityAssessor, insights InsightAnalyzer, coalesceTimeout time.Duration, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	var coalescer *batchCoalescer
	if coalesceTimeout > 0 {
		coalescer = newBatchCoalescer(coalesceTimeout)
	}
	return &Pipeline{
		collector: collector,
		quality:   quality,
		insights:  insights,
		coalescer: coalescer,
		overlaps:  newOverlapTracker(),
		logger:    logger,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return fallback
}

// Collect runs a collection batch, or joins an identical one already in flight.
//
// A shared batch is detached from the cancellation of the caller that started it, so one
// caller going away does not fail the batch for the others. It keeps that caller's deadline,
// or runs for at most the coalesce timeout when the caller has none.
func (p *Pipeline) Collect(ctx context.Context, locations []models.Location, horizonDays, limit int) (models.BatchResult, error) {
	logger := loggerFromContext(ctx, p.logger)
	run := func(runCtx context.Context) (models.BatchResult, error) {
		defer lifecycle.TrackCollection()()
		if overlapping := p.overlaps.Acquire(locations); len(overlapping) > 0 {
			observability.CollectionOverlapTotal.Inc()
			logger.Debug("locations already being collected by another batch", zap.Strings("locations", overlapping))
		}
		defer p.overlaps.Release(locations)
		return p.collector.Collect(runCtx, locations, horizonDays, limit)
	}

	if p.coalescer == nil {
		return run(ctx)
	}

	start := time.Now()
	result, shared, err := p.coalescer.GetOrDo(ctx, batchKey(locations, horizonDays), func() (models.BatchResult, error) {
		runCtx, cancel := sharedRunContext(ctx, p.coalescer.timeout)
		defer cancel()
		return run(runCtx)
	})
	if shared && result.ID != "" {
		observability.CollectionCoalescedTotal.Inc()
		logger.Debug("joined in-flight collection",
			zap.String("batch_id", result.ID),
			zap.Duration("waited", time.Since(start)),
		)
	}
	if errors.Is(err, context.Canceled) && result.ID == "" {
		logger.Info("caller went away, collection continues", zap.Bool("joined", shared))
	}
	return result, err
}

// sharedRunContext keeps ctx's values and deadline but not its cancellation.
func sharedRunContext(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithTimeout(detached, fallback)
}

// Assess returns the data quality report for locations.
func (p *Pipeline) Assess(ctx context.Context, locations []models.Location) (models.QualityReport, error) {
	return p.quality.Assess(ctx, locations)
}

// Insights returns the ranked insights for locations.
func (p *Pipeline) Insights(ctx context.Context, locations []models.Location) ([]models.Insight, error) {
	return p.insights.Analyze(ctx, locations)
}

// Trends returns the daily trend and precipitation statistics for one location.
func (p *Pipeline) Trends(ctx context.Context, loc models.Location) (insight.LocationTrend, error) {
	return p.insights.Trends(ctx, loc)
}
