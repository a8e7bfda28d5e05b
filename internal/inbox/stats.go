package inbox

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/vaultmail/internal/store"
)

// statsConcurrency bounds the per-inbox queries issued by Stats.
const statsConcurrency = 16

// Stats summarizes every live inbox.
type Stats struct {
	InboxCount       int     `json:"inboxCount"`
	MessageCount     int64   `json:"messageCount"`
	LatestReceivedAt *string `json:"latestReceivedAt"`
}

type inboxSummary struct {
	count  int64
	latest time.Time
}

// Stats counts inboxes and messages and finds the newest message.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.store.Keys(ctx, store.InboxPattern)
	if err != nil {
		return Stats{}, err
	}

	summaries := make([]inboxSummary, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			n, err := s.store.LLen(gctx, key)
			if err != nil {
				return err
			}
			summaries[i].count = n

			head, err := store.LRangeJSON[struct {
				ReceivedAt string `json:"receivedAt"`
			}](gctx, s.store, key, 0, 0)
			if err != nil {
				return err
			}
			if len(head) > 0 {
				if t, err := time.Parse(time.RFC3339Nano, head[0].ReceivedAt); err == nil {
					summaries[i].latest = t
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{InboxCount: len(keys)}
	var latest time.Time
	for _, sum := range summaries {
		stats.MessageCount += sum.count
		if sum.latest.After(latest) {
			latest = sum.latest
		}
	}
	if !latest.IsZero() {
		v := latest.UTC().Format(receivedAtLayout)
		stats.LatestReceivedAt = &v
	}
	return stats, nil
}
