package backoff

import (
	"context"
	"time"
)

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

// IsRetriable reports whether the error should be retried. A nil function
// retries every error.
type IsRetriable func(err error) bool

// Retry runs op until it succeeds, the policy is exhausted, the error is not
// retriable, or the context is canceled. The last operation error is returned
// when retries stop.
func Retry(ctx context.Context, op Operation, policy RetryPolicy, isRetriable IsRetriable) error {
	var retryCount int
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}

		interval, policyErr := policy.ComputeNextInterval(retryCount, err)
		if policyErr != nil {
			return err
		}
		retryCount++

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
