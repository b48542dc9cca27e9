// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds a retry loop. Delays grow as BaseDelay × 2^attempt and are
// capped at MaxDelay when it is positive.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p Policy) base() time.Duration {
	if p.BaseDelay <= 0 {
		return time.Millisecond
	}
	return p.BaseDelay
}

func (p Policy) backoff() goretry.Backoff {
	b := goretry.NewExponential(p.base())
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return goretry.WithMaxRetries(uint64(retries), b)
}

// Do calls fn until it succeeds, returns an error not marked Retryable, the
// attempts are exhausted or ctx is done. attempt starts at 1.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		return fn(ctx, attempt)
	})
}

// Retryable marks err as transient so Do tries again. It returns nil for nil.
func Retryable(err error) error {
	return goretry.RetryableError(err)
}
