package famulus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

const (
	retryMaxAttempts = 5
	retryBaseDelay   = 5 * time.Second
	retryDelayCap    = 120 * time.Second

	// cancelPollInterval is how often a backoff sleep re-checks the
	// cooperative cancellation flag.
	cancelPollInterval = 100 * time.Millisecond
)

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter), capped.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		backoff = ra
	}
	if backoff > retryDelayCap {
		backoff = retryDelayCap
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	if exp > retryDelayCap {
		return retryDelayCap
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// retryCall calls fn up to maxAttempts times, sleeping between transient
// failures. The sleep is interruptible both by ctx and by the optional
// cancelled check, which is polled; a positive check returns ErrJobCancelled.
// Non-transient errors propagate immediately.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, cancelled func() bool, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		if cancelled != nil && cancelled() {
			return zero, ErrJobCancelled
		}
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			if err := sleepCancellable(ctx, retryDelay(base, i, err), cancelled); err != nil {
				return zero, err
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// sleepCancellable sleeps for d, waking early when ctx is done or the
// cancelled check turns true.
func sleepCancellable(ctx context.Context, d time.Duration, cancelled func() bool) error {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cancelled != nil && cancelled() {
				return ErrJobCancelled
			}
			if !time.Now().Before(deadline) {
				return nil
			}
		}
	}
}
