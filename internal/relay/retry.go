package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a bounded, constant-delay retry schedule.
type RetryPolicy struct {
	Attempts  int
	Delay     time.Duration
	Retryable func(error) bool
	// OnRetry is called before each retry with the failure and the wait.
	OnRetry func(err error, wait time.Duration)
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned unwrapped.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, wait)
		}
	}
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, notify)
}
