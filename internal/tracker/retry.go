package tracker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nadmax/runledger/internal/task"
)

// RetryPolicy bounds the retries of an increment that hit write contention.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Timeout:     30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(def.MaxDelay, p.BaseDelay)
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}

	return p
}

// backoff doubles from BaseDelay up to MaxDelay with +/-25% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(min(attempt-1, 16))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if half := delay / 2; half > 0 {
		delay = delay - delay/4 + rand.N(half)
	}

	return delay
}

// do runs fn until it succeeds, fails with a non-transient error, or the
// policy is exhausted. Only errors for which transient returns true are
// retried; anything else, including context expiry, is returned as is.
func (p RetryPolicy) do(
	ctx context.Context,
	transient func(error) bool,
	onRetry func(attempt int, err error),
	fn func(context.Context) error,
) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%w: gave up after %d attempts: %w", task.ErrConcurrencyExhausted, attempt, err)
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w: retry window of %s elapsed: %w", task.ErrConcurrencyExhausted, p.Timeout, err)
		case <-timer.C:
		}
	}
}
