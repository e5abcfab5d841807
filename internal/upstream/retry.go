package upstream

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Retry policy for transport-class failures. The client itself never
// retries; call sites that want resilience wrap their calls in WithRetry.
const (
	DefaultRetryAttempts = 3

	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// WithRetry runs fn up to attempts times, backing off exponentially with
// ±25% jitter between attempts. Only rate-limited and transport errors are
// retried; everything else (unauth, not-found, domain errors) propagates
// on the first failure.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		if sleepErr := sleepCtx(ctx, calcBackoff(attempt)); sleepErr != nil {
			return transportErr("retry canceled: %v", sleepErr)
		}
	}

	return err
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// sleepCtx waits for the given duration or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
