package service

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
)

// inFlightBatch tracks a single collection run that multiple callers may wait for.
type inFlightBatch struct {
	done   chan struct{} // closed when result and err are set
	result models.BatchResult
	err    error
}

// batchCoalescer joins concurrent identical collection requests onto one run.
type batchCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightBatch
	timeout  time.Duration
}

func newBatchCoalescer(timeout time.Duration) *batchCoalescer {
	return &batchCoalescer{
		inFlight: make(map[string]*inFlightBatch),
		timeout:  timeout,
	}
}

// batchKey identifies a request by its horizon and normalized location set.
func batchKey(locations []models.Location, horizonDays int) string {
	names := uniqueKeys(locations)
	sort.Strings(names)
	return strconv.Itoa(horizonDays) + "|" + strings.Join(names, ",")
}

// GetOrDo runs fn for key unless an identical run is already in flight, in which case it waits
// for that run's result. shared reports whether the result came from another caller's run.
// fn runs on its own goroutine and always completes, so a caller that stops waiting never
// takes the run away from the others. The starting caller waits until its context ends;
// joiners wait at most the coalescer timeout.
func (bc *batchCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.BatchResult, error)) (result models.BatchResult, shared bool, err error) {
	bc.mu.Lock()
	req, ok := bc.inFlight[key]
	if !ok {
		req = &inFlightBatch{done: make(chan struct{})}
		bc.inFlight[key] = req
		go bc.run(key, req, fn)
	}
	bc.mu.Unlock()

	waitCtx := ctx
	if ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, bc.timeout)
		defer cancel()
	}
	select {
	case <-req.done:
		return req.result, ok, req.err
	case <-waitCtx.Done():
		return models.BatchResult{}, ok, waitCtx.Err()
	}
}

func (bc *batchCoalescer) run(key string, req *inFlightBatch, fn func() (models.BatchResult, error)) {
	defer func() {
		bc.mu.Lock()
		delete(bc.inFlight, key)
		bc.mu.Unlock()
		close(req.done)
	}()
	req.result, req.err = fn()
}
