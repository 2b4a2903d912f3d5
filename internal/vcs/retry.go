package vcs

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig bounds retries of host API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default policy for GitHub API calls.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// withRetry retries the operation with exponential backoff on transient
// failures: network errors, 5xx, and secondary rate limits. Client errors
// return immediately.
func withRetry(ctx context.Context, cfg *RetryConfig, log *zap.SugaredLogger, op func() (*github.Response, error)) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 0 && log != nil {
				log.Infow("host API call recovered after retry", "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err
		if !retryableHostError(err, resp) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if log != nil {
			log.Warnw("host API call failed, backing off",
				"attempt", attempt+1, "backoff", backoff, "error", err)
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}

func retryableHostError(err error, resp *github.Response) bool {
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var ab *github.AbuseRateLimitError
	if errors.As(err, &ab) {
		return true
	}
	var ge *github.ErrorResponse
	if errors.As(err, &ge) {
		if ge.Response == nil {
			return false
		}
		code := ge.Response.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resp != nil && resp.StatusCode < 500 {
		return false
	}
	// Plain transport errors (connection reset, timeout) carry no
	// *github.ErrorResponse; retry them.
	return true
}
