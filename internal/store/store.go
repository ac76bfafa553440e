// Package store provides the persistence backends for the dialogue manager:
// sessions, step responses, append-only risk events, and audit records.
//
// It includes an in-memory store for tests and degraded deployments, plus
// SQLite and PostgreSQL backends with embedded migrations.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aimhi/yarnbot/internal/models"
)

// Store is the audit/persistence sink consumed by the router and session
// store. Implementations must be safe for concurrent writes from multiple
// sessions.
type Store interface {
	// SaveSession inserts or updates a session row.
	SaveSession(s models.Session) error
	// GetSession returns the session or (nil, nil) when not found.
	GetSession(id string) (*models.Session, error)
	// ExpireSessions deletes sessions whose last activity is before the
	// cutoff and returns how many were removed.
	ExpireSessions(olderThan time.Time) (int, error)

	// SaveStepResponse inserts or overwrites the answer for (session, step).
	// At most one row per (session, step) ever exists.
	SaveStepResponse(r models.StepResponse) error
	// GetStepResponses returns all accepted answers for a session.
	GetStepResponses(sessionID string) ([]models.StepResponse, error)

	// AddRiskEvent appends a risk event. Append-only; never updated.
	AddRiskEvent(e models.RiskEvent) error
	// GetRiskEvents returns all risk events for a session.
	GetRiskEvents(sessionID string) ([]models.RiskEvent, error)

	// AddAuditRecord appends one routing audit record.
	AddAuditRecord(a models.AuditRecord) error
	// GetAuditRecords returns all audit records for a session.
	GetAuditRecords(sessionID string) ([]models.AuditRecord, error)

	// DeleteSessionData removes a session and everything keyed to it.
	DeleteSessionData(sessionID string) error

	// Close releases backend resources.
	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]models.Session
	stepResponses map[string]map[models.Step]models.StepResponse
	riskEvents    map[string][]models.RiskEvent
	auditRecords  map[string][]models.AuditRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[string]models.Session),
		stepResponses: make(map[string]map[models.Step]models.StepResponse),
		riskEvents:    make(map[string][]models.RiskEvent),
		auditRecords:  make(map[string][]models.AuditRecord),
	}
}

// SaveSession inserts or updates a session.
func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession returns a session or (nil, nil) when missing.
func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// ExpireSessions removes sessions idle since before the cutoff.
func (s *InMemoryStore) ExpireSessions(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.LastActivityAt.Before(olderThan) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("InMemoryStore expired sessions", "count", removed)
	}
	return removed, nil
}

// SaveStepResponse overwrites the answer for (session, step).
func (s *InMemoryStore) SaveStepResponse(r models.StepResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.stepResponses[r.SessionID]
	if !ok {
		byStep = make(map[models.Step]models.StepResponse)
		s.stepResponses[r.SessionID] = byStep
	}
	byStep[r.Step] = r
	return nil
}

// GetStepResponses returns all accepted answers for a session in step order.
func (s *InMemoryStore) GetStepResponses(sessionID string) ([]models.StepResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStep := s.stepResponses[sessionID]
	var out []models.StepResponse
	for _, step := range models.ContentSteps {
		if r, ok := byStep[step]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// AddRiskEvent appends a risk event.
func (s *InMemoryStore) AddRiskEvent(e models.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskEvents[e.SessionID] = append(s.riskEvents[e.SessionID], e)
	return nil
}

// GetRiskEvents returns all risk events for a session.
func (s *InMemoryStore) GetRiskEvents(sessionID string) ([]models.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.RiskEvent(nil), s.riskEvents[sessionID]...), nil
}

// AddAuditRecord appends an audit record.
func (s *InMemoryStore) AddAuditRecord(a models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditRecords[a.SessionID] = append(s.auditRecords[a.SessionID], a)
	return nil
}

// GetAuditRecords returns all audit records for a session.
func (s *InMemoryStore) GetAuditRecords(sessionID string) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditRecord(nil), s.auditRecords[sessionID]...), nil
}

// DeleteSessionData removes everything keyed to a session.
func (s *InMemoryStore) DeleteSessionData(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.stepResponses, sessionID)
	delete(s.riskEvents, sessionID)
	delete(s.auditRecords, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
