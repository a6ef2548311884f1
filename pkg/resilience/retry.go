package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
)

// RetryPolicy parametrizes exponential backoff with jitter. Only
// transient errors (per IsTransient) are retried; everything else
// returns immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first included.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the delay after the first failure. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 10m.
	MaxDelay time.Duration

	// Multiplier grows the delay per attempt. Default: 2.
	Multiplier float64

	// Jitter is the random fraction added to each delay, in [0, 1].
	// Default: 0.2.
	Jitter float64
}

// DefaultRetryPolicy returns the standard transient-failure policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Minute
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns the backoff before the given retry (attempt 1 is the
// first retry), jittered and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * rand.Float64()
	}
	if backoff > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

// Retry runs fn up to the policy's attempt cap, sleeping the jittered
// backoff between tries. Non-transient errors and context cancellation
// end the loop immediately; on exhaustion the last transient error is
// returned.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Delay(attempt)
		logger.Debug("Retrying after transient failure",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
