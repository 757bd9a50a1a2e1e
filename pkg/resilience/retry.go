package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks a failure that retrying cannot fix (bad request,
// rejected credentials).
var ErrPermanent = errors.New("permanent failure")

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

// Do runs fn until it succeeds, returns a permanent error, or retries run
// out. The backoff grows linearly with the attempt number.
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
		if err == nil || errors.Is(err, ErrPermanent) || i == r.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.Backoff * time.Duration(i+1)):
		}
	}
	return err
}
