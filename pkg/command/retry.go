package command

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/authapp/coreid/pkg/apperr"
)

// RetryOnConflict retries fn while it returns a Concurrency error
// (spec.md §7 "Concurrency is retryable by the caller; the recommended
// pattern is reload-and-retry bounded by a small attempt count"),
// grounded on the teacher's BaseRepository[T].RetryOnConflict but using
// cenkalti/backoff's exponential policy instead of the teacher's
// hand-rolled doubling sleep. fn is expected to reload the write model
// on each attempt itself.
func RetryOnConflict(ctx context.Context, maxRetries uint64, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrConcurrency) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, policy)
}

// retryStoreTransient retries fn against transient store errors —
// deadlocks and serialization failures the database itself signals by
// any non-coded error (spec.md §7 "Store transient errors... are
// retried transparently"). Coded *apperr.Error values are never
// transient: they represent a decision the engine has already made.
func retryStoreTransient(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var coded *apperr.Error
		if errors.As(err, &coded) {
			return backoff.Permanent(err)
		}
		return err // transient store I/O error, retry
	}, policy)
}
