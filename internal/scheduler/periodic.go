package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/lifecycle"
	"github.com/kjstillabower/weather-insights/internal/models"
)

// BatchCollector runs one collection batch. Implemented by Collector and by callers that
// coalesce concurrent batches.
type BatchCollector interface {
	Collect(ctx context.Context, locations []models.Location, horizonDays, limit int) (models.BatchResult, error)
}

// PeriodicConfig configures scheduled collection.
type PeriodicConfig struct {
	Interval     time.Duration
	HorizonDays  int
	BatchTimeout time.Duration
	Limit        int
}

// Periodic runs a collection over the current location set on a fixed interval.
// A tick is skipped while a previous scheduled run is still active or the process is shutting down.
type Periodic struct {
	scheduler *gocron.Scheduler
	collector BatchCollector
	locations func() []models.Location
	cfg       PeriodicConfig
	logger    *zap.Logger
}

// NewPeriodic returns a Periodic. locations is called on every tick.
func NewPeriodic(collector BatchCollector, locations func() []models.Location, cfg PeriodicConfig, logger *zap.Logger) *Periodic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Periodic{
		scheduler: gocron.NewScheduler(time.UTC),
		collector: collector,
		locations: locations,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start schedules the job and starts the underlying scheduler. The first run happens immediately.
func (p *Periodic) Start() error {
	if p.cfg.Interval <= 0 {
		return errors.New("periodic collection interval must be positive")
	}
	if _, err := p.scheduler.Every(p.cfg.Interval).Do(func() { p.RunOnce() }); err != nil {
		return err
	}
	p.scheduler.StartAsync()
	p.logger.Info("periodic collection started", zap.Duration("interval", p.cfg.Interval))
	return nil
}

// RunOnce performs one scheduled collection. Returns false when the tick was skipped.
func (p *Periodic) RunOnce() bool {
	if lifecycle.IsShuttingDown() {
		return false
	}
	if !lifecycle.TryStartCollecting() {
		p.logger.Info("previous scheduled collection still running, skipping tick")
		return false
	}
	defer lifecycle.FinishCollecting()

	ctx := context.Background()
	if p.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BatchTimeout)
		defer cancel()
	}

	result, err := p.collector.Collect(ctx, p.locations(), p.cfg.HorizonDays, p.cfg.Limit)
	if err != nil {
		p.logger.Error("scheduled collection failed",
			zap.String("batch_id", result.ID),
			zap.Int("failed", len(result.Failed)),
			zap.Error(err),
		)
		return true
	}
	p.logger.Info("scheduled collection finished",
		zap.String("batch_id", result.ID),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("records", result.RecordsWritten()),
	)
	return true
}

// Stop stops the scheduler. A run in progress finishes on its own.
func (p *Periodic) Stop() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
}
