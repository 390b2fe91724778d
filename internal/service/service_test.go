package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-insights/internal/insight"
	"github.com/kjstillabower/weather-insights/internal/lifecycle"
	"github.com/kjstillabower/weather-insights/internal/models"
)

type blockingCollector struct {
	calls   int32
	release chan struct{}
	started chan struct{}
	err     error
}

func (c *blockingCollector) Collect(ctx context.Context, locations []models.Location, horizonDays, limit int) (models.BatchResult, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	return models.BatchResult{ID: "batch", Horizon: horizonDays, Succeeded: []models.LocationCount{{Location: locations[0].Name, Records: int(n)}}}, c.err
}

// ctxCollector blocks until released or its context ends, and keeps the context it ran with.
type ctxCollector struct {
	started chan context.Context
	release chan struct{}
}

func (c *ctxCollector) Collect(ctx context.Context, locations []models.Location, horizonDays, limit int) (models.BatchResult, error) {
	c.started <- ctx
	select {
	case <-c.release:
		return models.BatchResult{ID: "batch", Succeeded: []models.LocationCount{{Location: locations[0].Name, Records: 3}}}, nil
	case <-ctx.Done():
		return models.BatchResult{ID: "batch", Failed: map[string]models.FailureReason{
			locations[0].Name: {Category: "canceled", Message: ctx.Err().Error()},
		}}, errors.New("all locations failed")
	}
}

type mockQuality struct {
	report models.QualityReport
	err    error
}

func (m *mockQuality) Assess(ctx context.Context, locations []models.Location) (models.QualityReport, error) {
	return m.report, m.err
}

type mockInsights struct {
	insights []models.Insight
	trend    insight.LocationTrend
	err      error
}

func (m *mockInsights) Analyze(ctx context.Context, locations []models.Location) ([]models.Insight, error) {
	return m.insights, m.err
}

func (m *mockInsights) Trends(ctx context.Context, loc models.Location) (insight.LocationTrend, error) {
	return m.trend, m.err
}

// TestPipeline_Collect_Coalesces verifies identical concurrent requests share one batch and the
// joiner logs through the request-scoped logger.
func TestPipeline_Collect_Coalesces(t *testing.T) {
	collector := &blockingCollector{release: make(chan struct{}), started: make(chan struct{}, 4)}
	p := NewPipeline(collector, &mockQuality{}, &mockInsights{}, 5*time.Second, nil)

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := context.WithValue(context.Background(), "logger", zap.New(core))

	var wg sync.WaitGroup
	results := make([]models.BatchResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = p.Collect(context.Background(), locs("Paris", "London"), 7, 0)
	}()
	<-collector.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = p.Collect(ctx, locs("london", "paris"), 7, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	close(collector.release)
	wg.Wait()

	if got := atomic.LoadInt32(&collector.calls); got != 1 {
		t.Errorf("collector calls = %d, want 1", got)
	}
	if results[0].ID != results[1].ID || results[1].Succeeded[0].Records != 1 {
		t.Errorf("results differ: %+v vs %+v", results[0], results[1])
	}
	if logs.FilterMessage("joined in-flight collection").Len() != 1 {
		t.Errorf("expected one join log entry, got %v", logs.All())
	}
}

// TestPipeline_Collect_DifferentHorizons verifies requests with different horizons each run.
func TestPipeline_Collect_DifferentHorizons(t *testing.T) {
	collector := &blockingCollector{release: make(chan struct{}), started: make(chan struct{}, 4)}
	p := NewPipeline(collector, &mockQuality{}, &mockInsights{}, 5*time.Second, nil)

	var wg sync.WaitGroup
	for _, h := range []int{3, 7} {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			_, _ = p.Collect(context.Background(), locs("Paris"), h, 0)
		}(h)
	}
	<-collector.started
	<-collector.started
	close(collector.release)
	wg.Wait()

	if got := atomic.LoadInt32(&collector.calls); got != 2 {
		t.Errorf("collector calls = %d, want 2", got)
	}
}

func TestPipeline_Collect_CoalescingDisabled(t *testing.T) {
	collector := &blockingCollector{}
	p := NewPipeline(collector, &mockQuality{}, &mockInsights{}, 0, nil)

	for i := 0; i < 3; i++ {
		if _, err := p.Collect(context.Background(), locs("Paris"), 7, 0); err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&collector.calls); got != 3 {
		t.Errorf("collector calls = %d, want 3", got)
	}
	if p.coalescer != nil {
		t.Error("coalescer set with zero timeout")
	}
}

func TestPipeline_Collect_ErrorReturned(t *testing.T) {
	wantErr := errors.New("storage down")
	p := NewPipeline(&blockingCollector{err: wantErr}, &mockQuality{}, &mockInsights{}, time.Second, nil)

	_, err := p.Collect(context.Background(), locs("Paris"), 7, 0)
	if !errors.Is(err, wantErr) {
		t.Errorf("Collect() error = %v, want %v", err, wantErr)
	}
	if len(p.overlaps.active) != 0 {
		t.Errorf("overlap tracker not released: %v", p.overlaps.active)
	}
}

// TestPipeline_Engines verifies the quality and insight calls pass through unchanged.
func TestPipeline_Engines(t *testing.T) {
	q := &mockQuality{report: models.QualityReport{OverallScore: 91.5, ScoredLocations: 2}}
	ins := &mockInsights{
		insights: []models.Insight{{Kind: models.InsightHeat, Location: "Cairo", Severity: models.SeverityHigh}},
		trend:    insight.LocationTrend{Location: "Cairo"},
	}
	p := NewPipeline(&blockingCollector{}, q, ins, 0, nil)
	ctx := context.Background()

	report, err := p.Assess(ctx, locs("Cairo"))
	if err != nil || report.OverallScore != 91.5 {
		t.Errorf("Assess() = %+v, %v", report, err)
	}
	got, err := p.Insights(ctx, locs("Cairo"))
	if err != nil || len(got) != 1 || got[0].Location != "Cairo" {
		t.Errorf("Insights() = %+v, %v", got, err)
	}
	trend, err := p.Trends(ctx, models.Location{Name: "Cairo"})
	if err != nil || trend.Location != "Cairo" {
		t.Errorf("Trends() = %+v, %v", trend, err)
	}

	ins.err = errors.New("boom")
	if _, err := p.Insights(ctx, locs("Cairo")); err == nil {
		t.Error("Insights() error = nil, want error")
	}
}

// TestPipeline_Collect_StarterCancelDoesNotFailJoiner verifies that when the caller who started
// a batch goes away, a joiner with a live context still gets the completed batch.
func TestPipeline_Collect_StarterCancelDoesNotFailJoiner(t *testing.T) {
	collector := &ctxCollector{started: make(chan context.Context, 2), release: make(chan struct{})}
	p := NewPipeline(collector, &mockQuality{}, &mockInsights{}, 5*time.Second, nil)

	starterCtx, cancel := context.WithCancel(context.Background())
	starterErr := make(chan error, 1)
	go func() {
		_, err := p.Collect(starterCtx, locs("Omsk"), 7, 0)
		starterErr <- err
	}()
	runCtx := <-collector.started

	type outcome struct {
		result models.BatchResult
		err    error
	}
	joined := make(chan outcome, 1)
	go func() {
		r, err := p.Collect(context.Background(), locs("Omsk"), 7, 0)
		joined <- outcome{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-starterErr; !errors.Is(err, context.Canceled) {
		t.Errorf("starter error = %v, want context.Canceled", err)
	}
	if runCtx.Err() != nil {
		t.Fatalf("batch context ended with the starter: %v", runCtx.Err())
	}
	if _, collections := lifecycle.InFlight(); collections != 1 {
		t.Errorf("in-flight collections = %d, want 1 so shutdown waits for the batch", collections)
	}

	close(collector.release)
	got := <-joined
	if got.err != nil || len(got.result.Succeeded) != 1 || len(got.result.Failed) != 0 {
		t.Errorf("joiner = %+v, %v, want the completed batch", got.result, got.err)
	}
	if n := len(collector.started); n != 0 {
		t.Errorf("collector ran %d extra times", n)
	}
	ctx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	if err := lifecycle.WaitForIdle(ctx); err != nil {
		t.Errorf("WaitForIdle() error = %v after the batch finished", err)
	}
}

// TestPipeline_Collect_SharedRunDeadline verifies a shared batch keeps the starting caller's
// deadline and falls back to the coalesce timeout when there is none.
func TestPipeline_Collect_SharedRunDeadline(t *testing.T) {
	collector := &ctxCollector{started: make(chan context.Context, 1), release: make(chan struct{})}
	close(collector.release)
	p := NewPipeline(collector, &mockQuality{}, &mockInsights{}, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	want, _ := ctx.Deadline()
	if _, err := p.Collect(ctx, locs("Omsk"), 7, 0); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if got, ok := (<-collector.started).Deadline(); !ok || !got.Equal(want) {
		t.Errorf("run deadline = %v (set %v), want %v", got, ok, want)
	}

	before := time.Now()
	if _, err := p.Collect(context.Background(), locs("Omsk"), 7, 0); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	got, ok := (<-collector.started).Deadline()
	if !ok || got.Before(before.Add(time.Minute)) || got.After(time.Now().Add(time.Minute)) {
		t.Errorf("run deadline = %v (set %v), want about one minute from now", got, ok)
	}
}
