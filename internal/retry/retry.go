// Package retry implements the bounded exponential-backoff Retry Policy
// (spec §4.2), wrapping a single external call. Grounded on spec §4.2's
// formula and on MatchaCake-LiveSub/internal/translate/gemini.go's
// degrade-on-transient-error shape (classify, then decide retry vs. bubble).
package retry

import (
	"context"
	"time"

	"github.com/vertaler/s2sbroker/internal/errs"
)

// Config controls attempt bounds and backoff shape.
type Config struct {
	MaxAttempts int           // default 3 (spec §6.4 apiRetryAttempts)
	BaseDelay   time.Duration // default 0.5s
	MaxDelay    time.Duration // cap, default 2s
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Delay returns base*2^(n-1) capped at MaxDelay, for the n'th retry attempt
// (n starting at 1).
func (c Config) Delay(n int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do runs f, retrying transient failures (per errs.Kind.Retryable) up to
// MaxAttempts total attempts with exponential backoff between them. Auth,
// quota, and validation kinds are never retried (spec §4.2). Returns the
// last error encountered if every attempt fails.
func Do(ctx context.Context, cfg Config, f func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = f(ctx)
		if lastErr == nil {
			return nil
		}
		kind := errs.Classify(lastErr)
		if !kind.Retryable() || attempt == cfg.MaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}
	return lastErr
}
