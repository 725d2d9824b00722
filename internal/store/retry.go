package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetries = 3

// Retry runs op with exponential backoff, absorbing transient storage
// failures. Callers treat an exhausted retry budget as an opaque failure and
// propagate it.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}

// Permanent marks an error as not worth retrying, e.g. a missing row or an
// invalid state transition.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
