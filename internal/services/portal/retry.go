package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

// RetryPolicy re-attempts a single state machine step
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewRetryPolicy creates the default step policy: 3 attempts, fixed 2s delay
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 1.0,
	}
}

// CalculateBackoff returns the delay before attempt+1
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
	}
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// ExecuteWithRetry runs fn until it succeeds, returns a non-retryable error,
// or MaxAttempts is reached. onAttempt is told the 1-based attempt number.
func (p *RetryPolicy) ExecuteWithRetry(ctx context.Context, logger arbor.ILogger, step string, onAttempt func(int), fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt + 1)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryable(ctx, lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			backoff := p.CalculateBackoff(attempt)
			logger.Debug().
				Str("step", step).
				Int("attempt", attempt+1).
				Err(lastErr).
				Dur("backoff", backoff).
				Msg("Retrying step after backoff")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	logger.Warn().
		Str("step", step).
		Int("max_attempts", attempts).
		Err(lastErr).
		Msg("All step attempts exhausted")

	return fmt.Errorf("%w: %w", models.ErrRetriesExhausted, lastErr)
}

// isRetryable excludes the no-eligible-lines answer, which drives its own
// transition, and cancellation of the caller's context.
func isRetryable(ctx context.Context, err error) bool {
	if errors.Is(err, models.ErrNoEligibleLines) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return true
}
