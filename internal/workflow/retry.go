package workflow

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls exponential backoff for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// JitterFraction randomizes each delay by up to this fraction in
	// either direction to avoid thundering-herd retries.
	JitterFraction float64
}

// DefaultRetryPolicy returns the policy applied to adapter calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Delay computes the backoff delay for a zero-based attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.JitterFraction > 0 {
		jitter := d * p.JitterFraction
		d = d - jitter + rand.Float64()*2*jitter
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Retry runs op, retrying transient errors per the policy. Validation,
// policy, conflict and delivery errors are returned immediately.
func Retry(ctx context.Context, logger *zap.Logger, policy RetryPolicy, step string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			logger.Warn("Retrying after transient failure",
				zap.String("step", step),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
