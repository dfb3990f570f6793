package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds exponential-backoff retries.
type RetryPolicy struct {
	MaxRetries int // retries after the first attempt
	Initial    time.Duration
	Max        time.Duration
	// Jitter is the randomization factor in [0,1]; 0 gives deterministic delays.
	Jitter float64
}

// Retry calls op until it succeeds, returns an error rejected by retryable,
// or MaxRetries retries have been spent. It returns the number of attempts
// made alongside the result. The returned error is op's last error, never a
// backoff wrapper.
func Retry[T any](ctx context.Context, p RetryPolicy, retryable func(error) bool, op func(ctx context.Context) (T, error), notify func(attempt int, err error, wait time.Duration)) (T, int, error) {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.RandomizationFactor = p.Jitter
	eb.Reset()

	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(max(p.MaxRetries, 0))+1), //nolint:gosec // non-negative
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempts, err, wait)
			}
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, attempts, err
}
