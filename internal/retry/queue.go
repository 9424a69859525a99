// Package retry holds dispatch attempts that failed transiently and drains
// them in the background with bounded, backed-off retries.
//
// All state lives in the shared key-value store so any server instance can
// enqueue or drain. Two drain workers never double-process an item: claiming
// an item is an atomic set-if-absent on an in-flight marker.
package retry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/studioglow/conversion-relay/internal/capi"
	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/logging"
	"github.com/studioglow/conversion-relay/internal/models"
	"github.com/studioglow/conversion-relay/internal/ratelimit"
)

// claimTTL bounds how long an in-flight marker survives if a worker dies
// mid-attempt. It must exceed the dispatch timeout by a wide margin.
const claimTTL = time.Minute

// deadLetterTTL keeps dead letters inspectable in the store for a week; the
// Postgres archive, when configured, keeps them indefinitely.
const deadLetterTTL = 7 * 24 * time.Hour

// dispatchBudgetKey is the limiter key shared by first attempts and retries.
const dispatchBudgetKey = "capi-dispatch"

// Deliverer sends an already-built wire body. *capi.Dispatcher satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, payload json.RawMessage) capi.Outcome
}

// Archive receives items that exhausted their attempt budget. Optional.
type Archive interface {
	Archive(ctx context.Context, item models.RetryItem, reason string) error
}

// Config tunes the queue's backoff and lifetime policy.
type Config struct {
	MaxAttempts int           // attempts before dead-letter
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // backoff cap
	Staleness   time.Duration // items older than this go straight to dead-letter
	Batch       int           // max items examined per drain pass

	// Outbound budget shared with first attempts.
	DispatchRateWindow time.Duration
	DispatchRateMax    int
}

// Queue is the durable holding area for failed dispatch attempts.
type Queue struct {
	store   kvstore.Store
	keys    keyspace.Keyspace
	cfg     Config
	deliver Deliverer
	limiter *ratelimit.Limiter
	archive Archive // may be nil

	now func() time.Time
}

// New returns a Queue. archive may be nil to disable durable archival.
func New(store kvstore.Store, ks keyspace.Keyspace, cfg Config, deliver Deliverer, limiter *ratelimit.Limiter, archive Archive) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 15 * time.Minute
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 6 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 25
	}
	return &Queue{store: store, keys: ks, cfg: cfg, deliver: deliver, limiter: limiter, archive: archive, now: time.Now}
}

// KeyPrefix reports the prefix this producer writes under, for the startup
// keyspace assertion.
func (q *Queue) KeyPrefix() string { return q.keys.RetryPrefix() }

// Enqueue records a failed first attempt. The payload is final; it will be
// re-sent verbatim.
func (q *Queue) Enqueue(ctx context.Context, eventID, eventName string, payload json.RawMessage, lastErr string) error {
	now := q.now()
	return q.put(ctx, models.RetryItem{
		ID:            uuid.New().String(),
		EventID:       eventID,
		EventName:     eventName,
		Payload:       payload,
		AttemptCount:  1,
		EnqueuedAt:    now,
		NextAttemptAt: now.Add(q.backoff(1)),
		LastError:     lastErr,
	})
}

// Defer hands an unattempted event to the queue. Used when the hosting
// request deadline is about to expire before dispatch can complete: the
// attempt moves here instead of being silently lost.
func (q *Queue) Defer(ctx context.Context, eventID, eventName string, payload json.RawMessage) error {
	now := q.now()
	return q.put(ctx, models.RetryItem{
		ID:            uuid.New().String(),
		EventID:       eventID,
		EventName:     eventName,
		Payload:       payload,
		AttemptCount:  0,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		LastError:     "deferred: request deadline",
	})
}

func (q *Queue) put(ctx context.Context, item models.RetryItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	// Item TTL outlives the staleness bound so the drain loop, not key
	// expiry, decides the item's fate.
	if err := q.store.Set(ctx, q.keys.RetryItem(item.ID), string(raw), q.cfg.Staleness+time.Hour); err != nil {
		return err
	}
	if _, err := q.store.LPush(ctx, q.keys.RetryQueue(), item.ID); err != nil {
		return err
	}
	logging.Info().Str("event_id", item.EventID).Str("item_id", item.ID).Int("attempts", item.AttemptCount).Msg("queued for retry")
	return nil
}

// backoff returns the delay before the next attempt: base doubled per failed
// attempt, capped.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

// Stats summarizes one drain pass.
type Stats struct {
	Scanned      int `json:"scanned"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// Drain examines up to Batch pending items and attempts the due ones.
// Invoked by the scheduler, never by request handlers. Safe to run
// concurrently across instances.
func (q *Queue) Drain(ctx context.Context) (Stats, error) {
	var stats Stats

	ids, err := q.store.LRange(ctx, q.keys.RetryQueue(), 0, int64(q.cfg.Batch)-1)
	if err != nil {
		return stats, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		raw, ok, err := q.store.Get(ctx, q.keys.RetryItem(id))
		if err != nil {
			return stats, err
		}
		if !ok {
			// Item key expired out from under the index.
			_, _ = q.store.LRem(ctx, q.keys.RetryQueue(), id)
			continue
		}

		var item models.RetryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			logging.Error().Err(err).Str("item_id", id).Msg("unreadable retry item, dropping")
			q.remove(ctx, id)
			continue
		}

		now := q.now()
		if now.Sub(item.EnqueuedAt) > q.cfg.Staleness {
			// A conversion reported many hours late gets rejected
			// upstream anyway; don't spend budget on it.
			q.deadLetter(ctx, item, "stale")
			stats.DeadLettered++
			continue
		}
		if now.Before(item.NextAttemptAt) {
			stats.Skipped++
			continue
		}

		// Retries share the outbound budget with first attempts.
		if !q.limiter.Allow(ctx, dispatchBudgetKey, q.cfg.DispatchRateWindow, q.cfg.DispatchRateMax) {
			logging.Debug().Msg("dispatch budget exhausted, ending drain pass")
			break
		}

		claimed, err := q.store.SetNX(ctx, q.keys.RetryInFlight(id), "1", claimTTL)
		if err != nil || !claimed {
			stats.Skipped++
			continue
		}

		outcome := q.deliver.Deliver(ctx, item.Payload)
		switch outcome.Status {
		case capi.StatusDelivered:
			q.remove(ctx, id)
			stats.Delivered++
			logging.Info().Str("event_id", item.EventID).Int("attempts", item.AttemptCount+1).Msg("retry delivered")
		case capi.StatusRejected:
			q.deadLetter(ctx, item, "rejected: "+errString(outcome.Err))
			stats.DeadLettered++
		default:
			item.AttemptCount++
			item.LastError = errString(outcome.Err)
			if item.AttemptCount >= q.cfg.MaxAttempts {
				q.deadLetter(ctx, item, "attempt ceiling reached")
				stats.DeadLettered++
			} else {
				item.NextAttemptAt = q.now().Add(q.backoff(item.AttemptCount))
				q.update(ctx, item)
				stats.Retried++
			}
			_ = q.store.Del(ctx, q.keys.RetryInFlight(id))
		}
	}

	return stats, nil
}

// remove deletes a finished item from the queue, its payload, and its claim.
func (q *Queue) remove(ctx context.Context, id string) {
	_, _ = q.store.LRem(ctx, q.keys.RetryQueue(), id)
	_ = q.store.Del(ctx, q.keys.RetryItem(id), q.keys.RetryInFlight(id))
}

func (q *Queue) update(ctx context.Context, item models.RetryItem) {
	raw, err := json.Marshal(item)
	if err != nil {
		logging.Error().Err(err).Str("item_id", item.ID).Msg("marshal retry item")
		return
	}
	remaining := q.cfg.Staleness + time.Hour - q.now().Sub(item.EnqueuedAt)
	if remaining < time.Minute {
		remaining = time.Minute
	}
	if err := q.store.Set(ctx, q.keys.RetryItem(item.ID), string(raw), remaining); err != nil {
		logging.Warn().Err(err).Str("item_id", item.ID).Msg("persist retry item")
	}
}

// deadLetter moves an item to the terminal inspection area instead of
// silently dropping it.
func (q *Queue) deadLetter(ctx context.Context, item models.RetryItem, reason string) {
	item.LastError = reason

	raw, err := json.Marshal(item)
	if err == nil {
		if err := q.store.Set(ctx, q.keys.DeadLetter(item.ID), string(raw), deadLetterTTL); err == nil {
			_, _ = q.store.LPush(ctx, q.keys.DeadLetterIndex(), item.ID)
		}
	}

	if q.archive != nil {
		if err := q.archive.Archive(ctx, item, reason); err != nil {
			logging.Warn().Err(err).Str("item_id", item.ID).Msg("dead-letter archive write failed")
		}
	}

	q.remove(ctx, item.ID)
	logging.Warn().Str("event_id", item.EventID).Str("item_id", item.ID).Str("reason", reason).Int("attempts", item.AttemptCount).Msg("moved to dead letter")
}

// DeadLetters returns up to limit dead-lettered items, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]models.RetryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.store.LRange(ctx, q.keys.DeadLetterIndex(), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	items := make([]models.RetryItem, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := q.store.Get(ctx, q.keys.DeadLetter(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var item models.RetryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
