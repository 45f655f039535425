package redeem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/redeemcheck/redeem/internal/store"
)

// withRetry runs a store operation, retrying failures with exponential
// backoff. Outcomes a retry cannot change are returned at once.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.StoreRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || permanent(err) {
			return err
		}
		if attempt < s.config.StoreRetries {
			wait := s.config.StoreBackoff * (1 << uint(attempt))
			s.logger.WarnContext(ctx, "redeem: retrying store write",
				"op", op,
				"attempt", attempt+1,
				"max_retries", s.config.StoreRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return lastErr
			case <-t.C:
			}
		}
	}
	return fmt.Errorf("redeem: %s: %w", op, lastErr)
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrStaleRow) ||
		errors.Is(err, store.ErrIllegalTransition) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrDuplicateJob)
}
