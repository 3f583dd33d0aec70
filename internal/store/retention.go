package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetentionInterval is how often StartRetentionWorker sweeps.
const DefaultRetentionInterval = 15 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically prunes
// connection events older than retention. It stops when ctx is done; the
// returned channel is closed once it has.
func StartRetentionWorker(ctx context.Context, j Journal, retention, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Journal retention worker started", "interval", interval, "retention", retention)

		pruneConnectionEvents(ctx, j, retention)
		for {
			select {
			case <-ticker.C:
				pruneConnectionEvents(ctx, j, retention)
			case <-ctx.Done():
				slog.Info("Journal retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func pruneConnectionEvents(ctx context.Context, j Journal, retention time.Duration) {
	deleted, err := j.PruneConnectionEvents(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Journal retention worker failed to prune events", "error", err)
		}
		return
	}
	if deleted > 0 {
		slog.Info("Journal retention worker pruned events", "count", deleted)
	}
}
