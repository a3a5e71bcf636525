// Package retry holds the bounded exponential backoff used by the portal
// calls that retry on rate limiting.
package retry

import (
	"context"
	"math"
	"time"
)

// Schedule describes a bounded backoff: the n-th wait is Base * Factor^(n-1)
// and at most MaxAttempts calls are made.
type Schedule struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

// Delay returns the wait before retry number n (1-based).
func (s Schedule) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(s.Base) * math.Pow(s.Factor, float64(n-1)))
}

// Start returns a fresh Backoff over s.
func (s Schedule) Start() *Backoff {
	return &Backoff{schedule: s}
}

// Backoff hands out successive delays of a Schedule. It is not safe for
// concurrent use; each retry loop owns its own.
type Backoff struct {
	schedule Schedule
	waits    int
}

// Next returns the next delay and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.waits++
	return b.schedule.Delay(b.waits)
}

// Sleeper blocks the calling goroutine. Implementations return early only
// when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// Real sleeps on the wall clock.
var Real Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})
