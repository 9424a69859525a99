package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
)

func newLimiter(t *testing.T) (*Limiter, *kvstore.MemoryStore, *time.Time) {
	t.Helper()

	ks, err := keyspace.New("ct")
	require.NoError(t, err)

	store := kvstore.NewMemoryStore()
	l := New(store, ks)

	now := time.Unix(1_700_000_000, 0)
	store.Now = func() time.Time { return now }
	l.now = func() time.Time { return now }

	return l, store, &now
}

func TestAllowUpToMax(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, "ingest:1.2.3.4", 10*time.Second, 5), "call %d within cap", i+1)
	}
	assert.False(t, l.Allow(ctx, "ingest:1.2.3.4", 10*time.Second, 5), "call N+1 within the window must be denied")
}

func TestAllowRecoversAfterWindow(t *testing.T) {
	l, _, now := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "k", 10*time.Second, 2)
	}
	assert.False(t, l.Allow(ctx, "k", 10*time.Second, 2))

	*now = now.Add(10 * time.Second)

	assert.True(t, l.Allow(ctx, "k", 10*time.Second, 2), "call after the window expires must pass")
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "a", 10*time.Second, 1))
	assert.False(t, l.Allow(ctx, "a", 10*time.Second, 1))
	assert.True(t, l.Allow(ctx, "b", 10*time.Second, 1))
}

// erroringStore fails every operation.
type erroringStore struct{}

var errDown = errors.New("store unreachable")

func (erroringStore) Incr(context.Context, string) (int64, error) { return 0, errDown }
func (erroringStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errDown
}
func (erroringStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (erroringStore) Set(context.Context, string, string, time.Duration) error { return errDown }
func (erroringStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errDown
}
func (erroringStore) Del(context.Context, ...string) error                 { return errDown }
func (erroringStore) LPush(context.Context, string, string) (int64, error) { return 0, errDown }
func (erroringStore) LRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, errDown
}
func (erroringStore) LRem(context.Context, string, string) (int64, error) { return 0, errDown }
func (erroringStore) Ping(context.Context) error                          { return errDown }

// The limiter is protective, not load-bearing: with the store unreachable
// every request proceeds.
func TestAllowFailsOpenWhenStoreDown(t *testing.T) {
	ks, err := keyspace.New("ct")
	require.NoError(t, err)
	l := New(erroringStore{}, ks)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(context.Background(), "k", time.Second, 1))
	}
}
