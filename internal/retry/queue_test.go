package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioglow/conversion-relay/internal/capi"
	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/models"
	"github.com/studioglow/conversion-relay/internal/ratelimit"
)

// scriptedDeliverer returns canned outcomes in order, repeating the last.
type scriptedDeliverer struct {
	outcomes []capi.Outcome
	calls    int
}

func (s *scriptedDeliverer) Deliver(_ context.Context, payload json.RawMessage) capi.Outcome {
	s.calls++
	i := s.calls - 1
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	out := s.outcomes[i]
	out.Payload = payload
	return out
}

type capturedArchive struct {
	items   []models.RetryItem
	reasons []string
}

func (a *capturedArchive) Archive(_ context.Context, item models.RetryItem, reason string) error {
	a.items = append(a.items, item)
	a.reasons = append(a.reasons, reason)
	return nil
}

type fixture struct {
	q       *Queue
	store   *kvstore.MemoryStore
	deliver *scriptedDeliverer
	archive *capturedArchive
	now     time.Time
}

func newFixture(t *testing.T, cfg Config, outcomes ...capi.Outcome) *fixture {
	t.Helper()

	ks, err := keyspace.New("ct")
	require.NoError(t, err)

	f := &fixture{
		store:   kvstore.NewMemoryStore(),
		deliver: &scriptedDeliverer{outcomes: outcomes},
		archive: &capturedArchive{},
		now:     time.Unix(1_700_000_000, 0),
	}

	if cfg.DispatchRateMax == 0 {
		cfg.DispatchRateMax = 1000
	}
	if cfg.DispatchRateWindow == 0 {
		cfg.DispatchRateWindow = time.Minute
	}

	limiter := ratelimit.New(f.store, ks)
	f.q = New(f.store, ks, cfg, f.deliver, limiter, f.archive)

	f.store.Now = func() time.Time { return f.now }
	f.q.now = func() time.Time { return f.now }

	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func transient(msg string) capi.Outcome {
	return capi.Outcome{Status: capi.StatusTransient, Err: errors.New(msg)}
}

func TestEnqueueAndDeliverOnRetry(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseDelay: 30 * time.Second},
		capi.Outcome{Status: capi.StatusDelivered})
	ctx := context.Background()

	require.NoError(t, f.q.Enqueue(ctx, "evt_abc123", "Contact", json.RawMessage(`{"data":[]}`), "timeout"))

	// Not yet due: first backoff delay applies.
	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, f.deliver.calls)

	f.advance(31 * time.Second)

	stats, err = f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, f.deliver.calls)

	// Queue is empty afterwards.
	stats, err = f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
}

// Three timeouts in a row: the item reaches dead-letter at the attempt
// ceiling, with increasing delays between attempts, and is never retried
// again no matter how often the drain runs.
func TestAttemptCeilingMovesToDeadLetter(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute},
		transient("timeout 2"), transient("timeout 3"))
	ctx := context.Background()

	require.NoError(t, f.q.Enqueue(ctx, "evt_abc123", "Contact", json.RawMessage(`{}`), "timeout 1"))

	// Attempt 2 after the base delay.
	f.advance(31 * time.Second)
	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	// The second delay must exceed the first.
	raw, ok, err := f.store.Get(ctx, f.q.keys.RetryItem(queuedItemID(t, f)))
	require.NoError(t, err)
	require.True(t, ok)
	var item models.RetryItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))
	assert.Equal(t, 2, item.AttemptCount)
	assert.Equal(t, 60*time.Second, item.NextAttemptAt.Sub(f.now))

	// Attempt 3 hits the ceiling.
	f.advance(61 * time.Second)
	stats, err = f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 2, f.deliver.calls)

	require.Len(t, f.archive.items, 1)
	assert.Equal(t, "evt_abc123", f.archive.items[0].EventID)
	assert.Equal(t, "attempt ceiling reached", f.archive.reasons[0])

	// Dead letters stay inspectable and are never re-attempted.
	letters, err := f.q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	for i := 0; i < 3; i++ {
		f.advance(time.Hour)
		stats, err = f.q.Drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Scanned)
	}
	assert.Equal(t, 2, f.deliver.calls)
}

func TestRejectedPayloadGoesStraightToDeadLetter(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 5, BaseDelay: time.Second},
		capi.Outcome{Status: capi.StatusRejected, Err: errors.New("invalid parameter")})
	ctx := context.Background()

	require.NoError(t, f.q.Enqueue(ctx, "evt_abc123", "Lead", json.RawMessage(`{}`), "flaky network"))
	f.advance(2 * time.Second)

	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	require.Len(t, f.archive.reasons, 1)
	assert.Contains(t, f.archive.reasons[0], "rejected")
}

// Items past the staleness bound go straight to dead-letter without an
// attempt: a conversion reported many hours late is rejected upstream anyway.
func TestStaleItemSkipsDelivery(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseDelay: time.Second, Staleness: 6 * time.Hour},
		capi.Outcome{Status: capi.StatusDelivered})
	ctx := context.Background()

	require.NoError(t, f.q.Enqueue(ctx, "evt_abc123", "Lead", json.RawMessage(`{}`), "err"))
	f.advance(6*time.Hour + 30*time.Minute)

	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Zero(t, f.deliver.calls)
	require.Len(t, f.archive.reasons, 1)
	assert.Equal(t, "stale", f.archive.reasons[0])
}

// A claimed item is another worker's problem: this drain must skip it.
func TestClaimedItemIsSkipped(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseDelay: time.Second},
		capi.Outcome{Status: capi.StatusDelivered})
	ctx := context.Background()

	require.NoError(t, f.q.Enqueue(ctx, "evt_abc123", "Lead", json.RawMessage(`{}`), "err"))
	f.advance(2 * time.Second)

	id := queuedItemID(t, f)
	_, err := f.store.SetNX(ctx, f.q.keys.RetryInFlight(id), "1", time.Minute)
	require.NoError(t, err)

	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, f.deliver.calls)
}

// Retries share the outbound budget with first attempts: an exhausted
// dispatch budget ends the pass without attempts.
func TestDrainHonorsDispatchBudget(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseDelay: time.Second, DispatchRateMax: 1, DispatchRateWindow: time.Minute},
		capi.Outcome{Status: capi.StatusDelivered})
	ctx := context.Background()

	require.NoError(t, f.q.Enqueue(ctx, "evt_1", "Lead", json.RawMessage(`{}`), "err"))
	require.NoError(t, f.q.Enqueue(ctx, "evt_2", "Lead", json.RawMessage(`{}`), "err"))
	f.advance(2 * time.Second)

	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, f.deliver.calls)
}

// Defer places an unattempted item that is due immediately.
func TestDeferIsDueImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, BaseDelay: time.Hour},
		capi.Outcome{Status: capi.StatusDelivered})
	ctx := context.Background()

	require.NoError(t, f.q.Defer(ctx, "evt_abc123", "Contact", json.RawMessage(`{}`)))

	stats, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, f.deliver.calls)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	f := newFixture(t, Config{BaseDelay: 30 * time.Second, MaxDelay: 2 * time.Minute})

	assert.Equal(t, 30*time.Second, f.q.backoff(1))
	assert.Equal(t, time.Minute, f.q.backoff(2))
	assert.Equal(t, 2*time.Minute, f.q.backoff(3))
	assert.Equal(t, 2*time.Minute, f.q.backoff(4))
	assert.Equal(t, 2*time.Minute, f.q.backoff(12))
}

// queuedItemID returns the single pending item id.
func queuedItemID(t *testing.T, f *fixture) string {
	t.Helper()
	ids, err := f.store.LRange(context.Background(), f.q.keys.RetryQueue(), 0, -1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}
