package jobflow

import (
	"context"
	"fmt"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

const (
	defaultItemAttempts   = 3
	defaultItemBaseDelay  = 200 * time.Millisecond
	defaultQueueRetries   = 3
	defaultQueueBaseDelay = 500 * time.Millisecond
	defaultMaxDelay       = 30 * time.Second
)

// BackoffFunc computes the delay before retry number attempt (1-indexed).
type BackoffFunc func(base time.Duration, attempt int) time.Duration

// LinearBackoff grows the delay linearly: base * attempt. It is the
// default curve for per-item retries.
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// ExponentialBackoff doubles the delay each retry: base * 2^(attempt-1).
// It is the default curve for the serialized queue, where repeated
// failures usually mean the shared upstream is still rate limiting.
func ExponentialBackoff(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt-1)
}

// RetryPolicy describes how many times and how often failing work is
// retried, and which errors qualify. Zero values mean "use defaults".
type RetryPolicy struct {
	// Attempts is the maximum number of tries for per-item retries, or
	// the maximum number of retries past the first try for the queue.
	Attempts int

	// BaseDelay is the first backoff duration.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Zero means defaultMaxDelay.
	MaxDelay time.Duration

	// Backoff selects the delay curve.
	Backoff BackoffFunc

	// Retriable decides whether an error is transient. Defaults to
	// IsTransient.
	Retriable func(error) bool
}

// DefaultItemRetryPolicy is the per-item policy: bounded linear backoff,
// independent of the queue's exponential curve. The two budgets compose
// when a worker function routes through the queue.
func DefaultItemRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  defaultItemAttempts,
		BaseDelay: defaultItemBaseDelay,
		MaxDelay:  defaultMaxDelay,
		Backoff:   LinearBackoff,
		Retriable: IsTransient,
	}
}

// DefaultQueueRetryPolicy is the serialized queue's policy: bounded
// exponential backoff against the shared rate-limited upstream.
func DefaultQueueRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  defaultQueueRetries,
		BaseDelay: defaultQueueBaseDelay,
		MaxDelay:  defaultMaxDelay,
		Backoff:   ExponentialBackoff,
		Retriable: IsTransient,
	}
}

// withDefaults fills zero fields from the given fallback policy.
func (p RetryPolicy) withDefaults(fallback RetryPolicy) RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = fallback.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = fallback.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = fallback.MaxDelay
	}
	if p.Backoff == nil {
		p.Backoff = fallback.Backoff
	}
	if p.Retriable == nil {
		p.Retriable = fallback.Retriable
	}
	return p
}

// delay computes the backoff before retry number attempt, capped at
// MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff(p.BaseDelay, attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// runWithRetry executes fn for one item under the given policy.
//
// The loop is explicit, never recursive, so long retry chains cannot
// grow the stack. Worker panics are recovered and treated as item errors.
// A terminal error, an exhausted budget, or a cancelled context ends the
// loop; the returned attempt count includes the final try.
func runWithRetry(ctx context.Context, item Item, fn WorkerFunc, pol RetryPolicy) (payload any, attempts int, err error) {
	logger := lg.FromContext(ctx).With(lg.String("item_id", item.ID))

	for attempt := 1; ; attempt++ {
		payload, err = invokeWorker(ctx, item, fn)
		if err == nil {
			return payload, attempt, nil
		}

		if !pol.Retriable(err) {
			logger.Error("item failed with terminal error",
				lg.Int("attempt", attempt),
				lg.Any("error", err),
			)
			return nil, attempt, err
		}
		if attempt == pol.Attempts {
			logger.Error("item retry budget exhausted",
				lg.Int("attempt", attempt),
				lg.Any("error", err),
			)
			return nil, attempt, err
		}

		delay := pol.delay(attempt)
		logger.Warn("item attempt failed; backing off",
			lg.Int("attempt", attempt),
			lg.String("sleep", delay.String()),
			lg.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return nil, attempt, ctx.Err()
		}
	}
}

// invokeWorker calls fn with panic recovery. A panicking worker settles
// the item as failed instead of killing the batch goroutine.
func invokeWorker(ctx context.Context, item Item, fn WorkerFunc) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.FromContext(ctx).Error("worker panicked",
				lg.String("item_id", item.ID),
				lg.Any("panic", r),
			)
			err = fmt.Errorf("jobflow: worker panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
