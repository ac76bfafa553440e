// Package session manages conversation session lifecycle: creation, lookup,
// activity tracking and expiry.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aimhi/yarnbot/internal/models"
	"github.com/aimhi/yarnbot/internal/store"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL is how long an idle session survives before expiry.
const DefaultTTL = 30 * time.Minute

// memoryStoreSize caps the number of concurrently tracked sessions in the
// in-memory store.
const memoryStoreSize = 10000

// Store is the session lifecycle port consumed by the router.
type Store interface {
	// Get returns the session or (nil, nil) when absent or expired.
	Get(id string) (*models.Session, error)
	// Upsert saves the session, refreshing its activity timestamp slot.
	Upsert(s models.Session) error
	// ExpireOlderThan removes sessions idle since before the cutoff and
	// returns how many were removed.
	ExpireOlderThan(cutoff time.Time) (int, error)
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.New().String()
}

// New creates a session starting at the welcome step.
func New(id string) models.Session {
	if id == "" {
		id = NewID()
	}
	now := time.Now()
	return models.Session{
		ID:             id,
		CurrentStep:    models.StepWelcome,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// MemoryStore keeps sessions in an expiring in-process cache. Entries fall
// out automatically after the TTL with no sweep goroutine needed.
type MemoryStore struct {
	cache *expirable.LRU[string, models.Session]
	ttl   time.Duration
}

// MemoryOpts holds configuration options for the in-memory session store.
type MemoryOpts struct {
	TTL time.Duration
}

// MemoryOption defines a configuration option for the in-memory session store.
type MemoryOption func(*MemoryOpts)

// WithTTL overrides the idle session expiry duration.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(o *MemoryOpts) { o.TTL = ttl }
}

// NewMemoryStore creates an in-memory session store with automatic expiry.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	cfg := MemoryOpts{TTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache := expirable.NewLRU[string, models.Session](memoryStoreSize, func(id string, _ models.Session) {
		slog.Debug("MemoryStore evicted session", "session_id", id)
	}, cfg.TTL)
	return &MemoryStore{cache: cache, ttl: cfg.TTL}
}

// Get returns the session or (nil, nil) when absent or expired.
func (m *MemoryStore) Get(id string) (*models.Session, error) {
	sess, ok := m.cache.Get(id)
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// Upsert saves the session and resets its TTL window.
func (m *MemoryStore) Upsert(s models.Session) error {
	if s.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	m.cache.Add(s.ID, s)
	return nil
}

// ExpireOlderThan removes sessions idle since before the cutoff. The TTL
// already handles routine expiry; this supports explicit sweeps.
func (m *MemoryStore) ExpireOlderThan(cutoff time.Time) (int, error) {
	removed := 0
	for _, id := range m.cache.Keys() {
		sess, ok := m.cache.Peek(id)
		if ok && sess.LastActivityAt.Before(cutoff) {
			m.cache.Remove(id)
			removed++
		}
	}
	return removed, nil
}

// StoreBacked persists sessions through a store.Store backend so they survive
// process restarts.
type StoreBacked struct {
	backend store.Store
}

// NewStoreBacked wraps a persistence backend as a session store.
func NewStoreBacked(backend store.Store) *StoreBacked {
	return &StoreBacked{backend: backend}
}

// Get returns the session or (nil, nil) when not found.
func (s *StoreBacked) Get(id string) (*models.Session, error) {
	return s.backend.GetSession(id)
}

// Upsert saves the session.
func (s *StoreBacked) Upsert(sess models.Session) error {
	return s.backend.SaveSession(sess)
}

// ExpireOlderThan removes sessions idle since before the cutoff.
func (s *StoreBacked) ExpireOlderThan(cutoff time.Time) (int, error) {
	return s.backend.ExpireSessions(cutoff)
}
