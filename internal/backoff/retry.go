package backoff

import (
	"context"
	"errors"
)

// ErrExhausted reports that every attempt failed.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Retry runs fn up to maxAttempts times with the policy's delays between
// failures. It returns fn's first success, or the last error joined with
// ErrExhausted. Cancellation between attempts returns ctx.Err().
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, errors.Join(ErrExhausted, lastErr)
}
