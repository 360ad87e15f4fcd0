package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]. Zero-value fields get sensible defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	// Default: 5.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth. Default: 60s.
	MaxBackoff time.Duration
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. Backoff doubles per attempt with up to 25% random jitter.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}

	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoff + time.Duration(rand.Int64N(int64(backoff)/4+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
	return fmt.Errorf("resilience: %d attempts exhausted: %w", cfg.MaxAttempts, lastErr)
}
