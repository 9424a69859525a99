// Package beacon is the client-side SDK for the conversion pipeline: durable
// visitor identity, per-action event ids, and best-effort delivery to the
// edge tag manager while the server-side channel runs in parallel.
package beacon

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage persists small client-side state (the cookie/local-storage
// equivalent). Implementations need not be durable; identity degrades to
// session-only when they are not.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration) error
}

const (
	subjectStorageKey = "cr_subject_id"
	subjectTTL        = 365 * 24 * time.Hour
)

// IdentityManager derives and persists the pseudonymous visitor identifier
// and mints per-event identifiers.
type IdentityManager struct {
	storage Storage

	mu      sync.Mutex
	session string // fallback id when storage is unavailable
}

// NewIdentityManager returns an IdentityManager over the given storage.
func NewIdentityManager(storage Storage) *IdentityManager {
	return &IdentityManager{storage: storage}
}

// EnsureSubjectID returns the durable visitor id, creating and persisting it
// on first call. Once set it is never regenerated. If storage is unavailable
// the id lives for this session only; that loses cross-visit attribution but
// never blocks tracking.
func (m *IdentityManager) EnsureSubjectID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.storage.Get(subjectStorageKey); ok && id != "" {
		return id
	}
	if m.session != "" {
		return m.session
	}

	id := "sub_" + uuid.New().String()
	if err := m.storage.Set(subjectStorageKey, id, subjectTTL); err != nil {
		m.session = id
	}
	return id
}

// NewEventID mints the identifier for one logical action. Call it exactly
// once per action and thread the result through every channel that transmits
// that action: the shared id is what lets the platform collapse the edge and
// server reports into one.
func (m *IdentityManager) NewEventID(eventName string) string {
	return fmt.Sprintf("evt_%s_%s", strings.ToLower(eventName), uuid.New().String())
}

// MemoryStorage is a session-scoped Storage used in tests and as a fallback.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}
