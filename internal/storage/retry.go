package storage

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/minio/minio-go/v7"
)

const retryAttempts = 3

// StatusError attaches an HTTP-like status to a storage failure so the
// retry policy can classify it. RetryAfter, when set, overrides the
// computed backoff.
type StatusError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// shouldRetry classifies a failure. Errors carrying a status are retried
// only on 429 and 5xx; errors with no status (network-level) are assumed
// transient. Context cancellation is never retried.
func shouldRetry(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Status == 429 || (se.Status >= 500 && se.Status < 600) {
			return true, se.RetryAfter
		}
		return false, 0
	}

	var mer minio.ErrorResponse
	if errors.As(err, &mer) {
		if mer.StatusCode == 429 || (mer.StatusCode >= 500 && mer.StatusCode < 600) {
			return true, 0
		}
		return false, 0
	}

	return true, 0
}

// backoffDelay is min(5s, 0.4 * 2^attempt) plus up to 200ms of jitter.
func backoffDelay(attempt int) time.Duration {
	base := 0.4 * math.Pow(2, float64(attempt))
	if base > 5 {
		base = 5
	}
	jitter := rand.Float64() * 0.2
	return time.Duration((base + jitter) * float64(time.Second))
}

// withRetry runs fn up to retryAttempts times, honoring Retry-After
// hints and sleeping with capped exponential backoff in between.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		retry, after := shouldRetry(err)
		if !retry || attempt == retryAttempts-1 {
			return err
		}

		delay := after
		if delay <= 0 {
			delay = backoffDelay(attempt)
		}
		slog.Warn("storage retry", "op", op, "attempt", attempt+1, "delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
