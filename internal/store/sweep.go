package store

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls s.Sweep every interval until ctx is cancelled.
// Sweep failures are logged and the loop keeps going.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("storage sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("storage sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("storage sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("storage sweep", "removed", n)
			}
		}
	}
}
