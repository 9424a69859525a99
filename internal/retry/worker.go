package retry

import (
	"context"
	"time"

	"github.com/studioglow/conversion-relay/internal/logging"
)

// RunDrainLoop drains the queue on a fixed interval until ctx is cancelled.
// It runs one pass immediately so a freshly started worker does not sit idle
// for a full interval. Multiple loops may run across instances; the per-item
// claim keeps them from double-processing.
func RunDrainLoop(ctx context.Context, q *Queue, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	drain := func() {
		stats, err := q.Drain(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn().Err(err).Msg("drain pass failed")
			}
			return
		}
		if stats.Scanned > 0 {
			logging.Info().
				Int("scanned", stats.Scanned).
				Int("delivered", stats.Delivered).
				Int("retried", stats.Retried).
				Int("dead_lettered", stats.DeadLettered).
				Int("skipped", stats.Skipped).
				Msg("drain pass complete")
		}
	}

	drain()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drain()
		}
	}
}
