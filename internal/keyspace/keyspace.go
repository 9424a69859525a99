// Package keyspace owns every key written to the shared key-value store.
//
// All producers must build keys through a single Keyspace value. Divergent
// prefixes between producers silently break cross-module deduplication, so
// Validate is run at startup against the prefix each producer reports, and a
// mismatch aborts boot.
package keyspace

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key class segments. These are deliberately unexported: the only way to get
// a full key is through a Keyspace method.
const (
	dedupSegment     = "evt"
	rateLimitSegment = "ratelimit"
	retrySegment     = "retry"
)

// DefaultNamespace is used when KV_NAMESPACE is unset.
const DefaultNamespace = "ct"

// Keyspace builds keys under one canonical namespace.
type Keyspace struct {
	ns string
}

// New returns a Keyspace for the given namespace. The namespace must be a
// short token without the ':' separator.
func New(namespace string) (Keyspace, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return Keyspace{}, errors.New("keyspace: namespace required")
	}
	if strings.Contains(namespace, ":") {
		return Keyspace{}, fmt.Errorf("keyspace: namespace %q must not contain ':'", namespace)
	}
	return Keyspace{ns: namespace}, nil
}

// Namespace returns the canonical namespace token.
func (k Keyspace) Namespace() string { return k.ns }

// DedupPrefix is the prefix every dedup producer must report.
func (k Keyspace) DedupPrefix() string { return k.ns + ":" + dedupSegment + ":" }

// Dedup returns the marker key for one event id.
func (k Keyspace) Dedup(eventID string) string { return k.DedupPrefix() + eventID }

// RateLimitPrefix is the prefix every rate-limit producer must report.
func (k Keyspace) RateLimitPrefix() string { return k.ns + ":" + rateLimitSegment + ":" }

// RateLimit returns the counter key for one limiter key and window bucket.
func (k Keyspace) RateLimit(key string, bucket int64) string {
	return k.RateLimitPrefix() + key + ":" + strconv.FormatInt(bucket, 10)
}

// RetryPrefix is the prefix every retry producer must report.
func (k Keyspace) RetryPrefix() string { return k.ns + ":" + retrySegment + ":" }

// RetryQueue is the list key holding pending retry item ids.
func (k Keyspace) RetryQueue() string { return k.RetryPrefix() + "queue" }

// RetryItem returns the key holding one serialized retry item.
func (k Keyspace) RetryItem(id string) string { return k.RetryPrefix() + "item:" + id }

// RetryInFlight returns the claim-marker key for one retry item.
func (k Keyspace) RetryInFlight(id string) string { return k.RetryPrefix() + "inflight:" + id }

// DeadLetter returns the key holding one dead-lettered item.
func (k Keyspace) DeadLetter(id string) string { return k.RetryPrefix() + "dead:" + id }

// DeadLetterIndex is the list key holding dead-lettered item ids.
func (k Keyspace) DeadLetterIndex() string { return k.RetryPrefix() + "dead" }

// Validate asserts that every producer-reported prefix resolves to the given
// canonical namespace. It is called once at startup with the prefix from each
// component that writes to the store; any drift is a configuration error, not
// a warning.
func Validate(namespace string, prefixes ...string) error {
	k, err := New(namespace)
	if err != nil {
		return err
	}
	want := k.ns + ":"
	for _, p := range prefixes {
		if !strings.HasPrefix(p, want) {
			return fmt.Errorf("keyspace: producer prefix %q is outside namespace %q; all producers must share one namespace", p, namespace)
		}
	}
	return nil
}
