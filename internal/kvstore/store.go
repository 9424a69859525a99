// Package kvstore abstracts the shared key-value store behind a small
// interface of single-key atomic operations.
//
// The store is accessed over REST, one command per request. There are no
// transactions, pipelines, server-side scripts, or blocking commands, so
// every operation here is an individually-atomic command; cross-request
// coordination is built from Incr, Expire, and SetNX alone.
package kvstore

import (
	"context"
	"time"
)

// Store is the set of operations the pipeline needs from the shared store.
// All implementations must make each call individually atomic.
type Store interface {
	// Incr atomically increments the integer at key, creating it at 0 first.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key. Returns false if the key does
	// not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetNX sets key to value with a TTL only if the key is absent.
	// Returns true when this call created the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally sets key to value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// LPush prepends value to the list at key and returns the new length.
	LPush(ctx context.Context, key, value string) (int64, error)

	// LRange returns list elements between start and stop inclusive;
	// negative indexes count from the tail, as in Redis.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LRem removes all occurrences of value from the list at key and
	// returns the number removed.
	LRem(ctx context.Context, key, value string) (int64, error)

	// Ping verifies connectivity. Used by the readiness endpoint.
	Ping(ctx context.Context) error
}
