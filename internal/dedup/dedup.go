// Package dedup is the single source of truth for "this event id has already
// been forwarded", shared by every producer through one injected value.
package dedup

import (
	"context"
	"time"

	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/logging"
)

// Deduplicator records forwarded event ids in the shared store. All producers
// must use one Deduplicator instance (or at least one Keyspace): divergent
// key prefixes silently defeat deduplication.
type Deduplicator struct {
	store kvstore.Store
	keys  keyspace.Keyspace
	ttl   time.Duration
}

// New returns a Deduplicator writing markers under ks with the given TTL.
func New(store kvstore.Store, ks keyspace.Keyspace, ttl time.Duration) *Deduplicator {
	return &Deduplicator{store: store, keys: ks, ttl: ttl}
}

// KeyPrefix reports the prefix this producer writes under, for the startup
// keyspace assertion.
func (d *Deduplicator) KeyPrefix() string { return d.keys.DedupPrefix() }

// MarkIfNew returns true if this call is the first to claim eventID. The
// claim is a single atomic set-if-absent with TTL, so concurrent callers for
// the same id see exactly one true.
//
// If the store is unreachable the event is treated as new: the upstream API
// tolerates an explicit duplicate far better than a lost conversion.
func (d *Deduplicator) MarkIfNew(ctx context.Context, eventID string) bool {
	created, err := d.store.SetNX(ctx, d.keys.Dedup(eventID), "1", d.ttl)
	if err != nil {
		logging.Warn().Err(err).Str("event_id", eventID).Msg("dedup store unreachable, treating event as new")
		return true
	}
	return created
}
