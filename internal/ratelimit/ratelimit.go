// Package ratelimit implements a fixed-window counter limiter over the
// shared key-value store, using only atomic increment and expire.
package ratelimit

import (
	"context"
	"time"

	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/logging"
)

// Limiter enforces a per-key cap within a rolling window bucket. It never
// blocks and never pipelines: one INCR, and on first hit one EXPIRE. The
// brief race where the EXPIRE is skipped only extends a window slightly,
// which is an accepted cost of the REST-only store.
type Limiter struct {
	store kvstore.Store
	keys  keyspace.Keyspace

	// now is injectable for window-boundary tests.
	now func() time.Time
}

// New returns a Limiter writing counters under ks.
func New(store kvstore.Store, ks keyspace.Keyspace) *Limiter {
	return &Limiter{store: store, keys: ks, now: time.Now}
}

// KeyPrefix reports the prefix this producer writes under, for the startup
// keyspace assertion.
func (l *Limiter) KeyPrefix() string { return l.keys.RateLimitPrefix() }

// Allow reports whether the caller identified by key may proceed, permitting
// at most max calls per window.
//
// Rate limiting is a protective layer, not a correctness guarantee: if the
// store is unreachable the limiter fails open and logs, so it can never
// become a single point of failure for event delivery.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) bool {
	if window < time.Second {
		window = time.Second
	}
	bucket := l.now().Unix() / int64(window/time.Second)
	counterKey := l.keys.RateLimit(key, bucket)

	count, err := l.store.Incr(ctx, counterKey)
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("rate limit store unreachable, failing open")
		return true
	}

	if count == 1 {
		if _, err := l.store.Expire(ctx, counterKey, window); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("rate limit expire failed")
		}
	}

	return count <= int64(max)
}
