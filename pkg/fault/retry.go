package fault

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// MaxAttempts bounds retries of retryable faults (CONFLICT, STORE_ERROR).
const MaxAttempts = 3

// Retry runs op with exponential backoff until it succeeds, returns a
// non-retryable fault, or MaxAttempts is exhausted. The context deadline is
// honored between attempts.
func Retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(MaxAttempts))
}

// RetryVoid is Retry for operations without a result.
func RetryVoid(ctx context.Context, op func() error) error {
	_, err := Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
