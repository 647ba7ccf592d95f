package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/pkg/retry"
)

// RetryingStore retries failed uploads of the wrapped store with a bounded
// exponential backoff. Errors classified invalid or fatal are not retried.
type RetryingStore struct {
	store  Store
	policy retry.Config
	logger *slog.Logger
}

var _ Store = (*RetryingStore)(nil)

// NewRetryingStore wraps store with policy
func NewRetryingStore(store Store, policy retry.Config, logger *slog.Logger) *RetryingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{store: store, policy: policy, logger: logger.With("component", "storage")}
}

// Put uploads data, retrying transient failures
func (r *RetryingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cfg := r.policy
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		r.logger.Warn("upload attempt failed", "key", key, "attempt", attempt, "retry_in", next, "error", err)
	}

	err := retry.Do(ctx, cfg, func() error {
		err := r.store.Put(ctx, key, data, contentType)
		if err != nil && (errors.IsInvalid(err) || errors.IsFatal(err)) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "RetryingStore", "Put", "upload "+key)
	}
	return nil
}
