package lifecycle

import (
	"context"
	"sync"
)

// Drain counts the work shutdown has to wait for: HTTP requests being served and collection
// batches still writing to storage. A batch can outlive the request that started it, so the
// two are counted separately.
type Drain struct {
	mu          sync.Mutex
	requests    int
	collections int
	idle        chan struct{} // closed while both counts are zero
}

// NewDrain returns an idle Drain.
func NewDrain() *Drain {
	idle := make(chan struct{})
	close(idle)
	return &Drain{idle: idle}
}

// BeginRequest counts a request until the returned func is called.
func (d *Drain) BeginRequest() (done func()) {
	return d.begin(&d.requests)
}

// BeginCollection counts a collection batch until the returned func is called.
func (d *Drain) BeginCollection() (done func()) {
	return d.begin(&d.collections)
}

func (d *Drain) begin(counter *int) func() {
	d.mu.Lock()
	if d.requests+d.collections == 0 {
		d.idle = make(chan struct{})
	}
	*counter++
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			*counter--
			if d.requests+d.collections == 0 {
				close(d.idle)
			}
		})
	}
}

// InFlight returns the current counts.
func (d *Drain) InFlight() (requests, collections int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests, d.collections
}

// Wait blocks until nothing is in flight or ctx is done.
func (d *Drain) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var defaultDrain = NewDrain()

// TrackRequest counts an HTTP request on the process-wide drain.
func TrackRequest() (done func()) { return defaultDrain.BeginRequest() }

// TrackCollection counts a collection batch on the process-wide drain.
func TrackCollection() (done func()) { return defaultDrain.BeginCollection() }

// InFlight returns the process-wide request and collection counts.
func InFlight() (requests, collections int) { return defaultDrain.InFlight() }

// WaitForIdle blocks until no request or collection is in flight, or ctx is done.
func WaitForIdle(ctx context.Context) error { return defaultDrain.Wait(ctx) }
