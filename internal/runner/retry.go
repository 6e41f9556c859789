package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// NoRetry marks a scan error as permanent.
//
//	return runner.NoRetry(fmt.Errorf("document gone: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a server-provided delay hint (HTTP 429/503).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Backoff is jittered exponential backoff.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, e.g. 0.2 for +-20%
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Second
	}
	if b.Jitter <= 0 {
		b.Jitter = 0.2
	}
	return b
}

// Delay returns the wait before retry number n (1-based). A RetryAfter hint
// in err replaces the exponential step but is still capped and jittered.
func (b Backoff) Delay(n int, err error, rng *rand.Rand) time.Duration {
	b = b.withDefaults()
	d := b.Base
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < n; i++ {
			d *= 2
			if d > b.Max {
				d = b.Max
				break
			}
		}
	}
	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
