package store

import (
	"context"
	"log/slog"
	"time"
)

// PurgeWorkerInterval is how often the purge worker sweeps the cache.
const PurgeWorkerInterval = 6 * time.Hour

// StartPurgeWorker runs a background goroutine that sweeps once right away
// and then on every interval, deleting entries last written more than
// olderThan ago. onPurge, if set, receives the count of each sweep.
func StartPurgeWorker(ctx context.Context, s *SQLiteStore, interval, olderThan time.Duration, onPurge func(n int)) {
	ticker := s.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Purge worker started", "interval", interval, "older_than", olderThan)

		sweep(ctx, s, olderThan, onPurge)
		for {
			select {
			case <-ticker.Chan():
				sweep(ctx, s, olderThan, onPurge)
			case <-ctx.Done():
				slog.Info("Purge worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, s *SQLiteStore, olderThan time.Duration, onPurge func(n int)) {
	n, err := s.Purge(ctx, olderThan)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Purge worker: context canceled during sweep", "error", err)
			return
		}
		slog.Error("Purge worker failed to delete stale entries", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Purge worker deleted stale entries", "count", n)
	}
	if onPurge != nil {
		onPurge(n)
	}
}
