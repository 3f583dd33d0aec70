package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/omnidesk/internal/shared"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs fn, retrying SQLite busy/locked errors with exponential
// backoff: 50ms, 100ms.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == retryAttempts-1 {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<i)
		slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	if shared.IsSQLiteConflictError(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", op, retryAttempts, err)
	}
	return err
}
