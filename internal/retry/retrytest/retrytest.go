// Package retrytest provides a Sleeper that records delays instead of
// sleeping.
package retrytest

import (
	"context"
	"sync"
	"time"
)

// Recorder is a retry.Sleeper that returns immediately and remembers every
// requested delay. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *Recorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Delays returns a copy of the recorded delays in call order.
func (r *Recorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}
