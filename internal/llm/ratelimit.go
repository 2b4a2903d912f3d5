package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements sliding-window rate limiting for generation calls,
// keeping us safely under the provider's per-minute quota.
type RateLimiter struct {
	maxRequests int
	window      time.Duration

	mu    sync.Mutex
	times []time.Time

	// now is swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter allows maxRequests per window.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 12
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Wait blocks until a request slot is available or the context is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.now()
		// Drop entries older than the window.
		kept := r.times[:0]
		for _, t := range r.times {
			if now.Sub(t) < r.window {
				kept = append(kept, t)
			}
		}
		r.times = kept
		if len(r.times) < r.maxRequests {
			r.times = append(r.times, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.window - now.Sub(r.times[0])
		r.mu.Unlock()
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Reserved reports how many slots are currently taken; used by tests and
// status reporting.
func (r *RateLimiter) Reserved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, t := range r.times {
		if now.Sub(t) < r.window {
			n++
		}
	}
	return n
}
