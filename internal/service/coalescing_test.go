package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
)

func TestBatchCoalescer_ConcurrentRequests(t *testing.T) {
	bc := newBatchCoalescer(5 * time.Second)
	var calls int32
	release := make(chan struct{})

	fn := func() (models.BatchResult, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return models.BatchResult{ID: "batch-1"}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.BatchResult, n)
	shared := make([]bool, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], shared[0], errs[0] = bc.GetOrDo(context.Background(), "k", fn)
	}()
	waitInFlight(t, bc, "k")

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], shared[idx], errs[idx] = bc.GetOrDo(context.Background(), "k", fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn call count = %d, want 1", got)
	}
	sharedCount := 0
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if results[i].ID != "batch-1" {
			t.Errorf("request %d ID = %q, want batch-1", i, results[i].ID)
		}
		if shared[i] {
			sharedCount++
		}
	}
	if shared[0] || sharedCount != n-1 {
		t.Errorf("shared = %v, want only joiners shared", shared)
	}
	if _, ok := bc.inFlight["k"]; ok {
		t.Error("in-flight entry not removed after completion")
	}
}

func TestBatchCoalescer_ErrorPropagation(t *testing.T) {
	bc := newBatchCoalescer(5 * time.Second)
	wantErr := errors.New("storage down")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errs[0] = bc.GetOrDo(context.Background(), "k", func() (models.BatchResult, error) {
			<-release
			return models.BatchResult{}, wantErr
		})
	}()
	waitInFlight(t, bc, "k")
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = bc.GetOrDo(context.Background(), "k", func() (models.BatchResult, error) {
				t.Error("joiner ran fn")
				return models.BatchResult{}, nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("request %d error = %v, want %v", i, err, wantErr)
		}
	}
}

// TestBatchCoalescer_JoinerTimeout verifies a joiner gives up after the coalescer timeout
// while the running batch continues.
func TestBatchCoalescer_JoinerTimeout(t *testing.T) {
	bc := newBatchCoalescer(30 * time.Millisecond)
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, _ = bc.GetOrDo(context.Background(), "k", func() (models.BatchResult, error) {
			<-release
			return models.BatchResult{ID: "slow"}, nil
		})
	}()
	waitInFlight(t, bc, "k")

	_, shared, err := bc.GetOrDo(context.Background(), "k", nil)
	if !shared || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetOrDo() shared=%v err=%v, want shared deadline exceeded", shared, err)
	}
	close(release)
	<-done
}

// TestBatchCoalescer_StarterCancelled verifies the caller that started a run can stop waiting
// without taking the result away from a joiner.
func TestBatchCoalescer_StarterCancelled(t *testing.T) {
	bc := newBatchCoalescer(5 * time.Second)
	release := make(chan struct{})
	starterCtx, cancel := context.WithCancel(context.Background())

	starterErr := make(chan error, 1)
	go func() {
		_, _, err := bc.GetOrDo(starterCtx, "k", func() (models.BatchResult, error) {
			<-release
			return models.BatchResult{ID: "survivor"}, nil
		})
		starterErr <- err
	}()
	waitInFlight(t, bc, "k")

	joined := make(chan models.BatchResult, 1)
	go func() {
		result, _, err := bc.GetOrDo(context.Background(), "k", nil)
		if err != nil {
			t.Errorf("joiner error = %v", err)
		}
		joined <- result
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-starterErr; !errors.Is(err, context.Canceled) {
		t.Errorf("starter error = %v, want context.Canceled", err)
	}
	close(release)
	if got := <-joined; got.ID != "survivor" {
		t.Errorf("joiner result ID = %q, want survivor", got.ID)
	}
}

func TestBatchCoalescer_DifferentKeys(t *testing.T) {
	bc := newBatchCoalescer(5 * time.Second)
	var calls int32
	fn := func() (models.BatchResult, error) {
		atomic.AddInt32(&calls, 1)
		return models.BatchResult{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = bc.GetOrDo(context.Background(), key, fn)
		}("key" + string(rune('a'+i)))
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Errorf("fn call count = %d, want 5 (no coalescing for different keys)", got)
	}
}

// TestBatchKey verifies the key ignores order, case and duplicates but not the horizon.
func TestBatchKey(t *testing.T) {
	a := batchKey(locs("Paris", "London"), 7)
	b := batchKey(locs("london", "PARIS", "Paris"), 7)
	if a != b {
		t.Errorf("batchKey differs for equivalent sets: %q vs %q", a, b)
	}
	if a == batchKey(locs("Paris", "London"), 3) {
		t.Error("batchKey ignores horizon")
	}
	if a == batchKey(locs("Paris"), 7) {
		t.Error("batchKey ignores location set")
	}
}

func waitInFlight(t *testing.T, bc *batchCoalescer, key string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bc.mu.Lock()
		_, ok := bc.inFlight[key]
		bc.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no in-flight request for %q", key)
}
