package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the exponential backoff applied to a unit of work.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a caller passes a zero policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}

// Retry runs op until it succeeds, returns a non-transient error, or attempts run out.
// Only KindTransient errors are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op(ctx)
		if err != nil && !IsTransient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.MaxAttempts))
}
