package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds, retries are exhausted, or ctx ends.
// The backoff grows linearly with each attempt.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		t := time.NewTimer(r.Backoff * time.Duration(i+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
