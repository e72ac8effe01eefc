package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryMaxAttempts = 3
	defaultBackoffBase      = time.Second
	defaultBackoffMax       = 30 * time.Second

	// backoffShiftLimit keeps Base<<attempt inside int64 range.
	backoffShiftLimit = 32
)

// BackoffPolicy doubles the wait on every attempt, starting at Base and
// saturating at Max. Attempt numbering starts at zero: Delay(0) == Base.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: defaultBackoffBase, Max: defaultBackoffMax}
}

func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := p.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	if base > max {
		return max
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= backoffShiftLimit {
		return max
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// DelayWithJitter spreads simultaneous retriers apart by adding a random
// slice of up to half the scheduled delay.
func (p BackoffPolicy) DelayWithJitter(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if delay < 2 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(int64(delay)/2))
}

// RetryOptions bounds a RunWithRetry loop. Zero values fall back to three
// attempts and the default backoff schedule.
type RetryOptions struct {
	MaxAttempts int
	Backoff     BackoffPolicy
}

// RetryResult reports how the loop ended.
type RetryResult struct {
	Attempts int
}

// RunWithRetry invokes fn until it succeeds, returns an unrecoverable
// error, or exhausts the attempt budget. A retry hint attached to the
// error takes precedence over the backoff schedule.
func RunWithRetry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context, attempt int) error) (RetryResult, error) {
	if fn == nil {
		return RetryResult{}, fmt.Errorf("core: retry function is required")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultRetryMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return RetryResult{Attempts: attempt}, nil
		}
		lastErr = err

		if !IsRecoverable(err) {
			return RetryResult{Attempts: attempt}, err
		}
		if attempt == maxAttempts {
			return RetryResult{Attempts: attempt}, err
		}

		delay := opts.Backoff.Delay(attempt - 1)
		if hinted, ok := RetryAfterFrom(err); ok && hinted > delay {
			delay = hinted
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return RetryResult{Attempts: attempt}, waitErr
		}
	}

	return RetryResult{Attempts: maxAttempts}, lastErr
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
