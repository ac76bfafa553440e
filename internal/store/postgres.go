// PostgreSQL-backed Store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/aimhi/yarnbot/internal/models"
	_ "github.com/lib/pq"
)

// Connection pool settings for the PostgreSQL store.
const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists dialogue state in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store from a connection string
// and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveSession inserts or updates a session row.
func (s *PostgresStore) SaveSession(sess models.Session) error {
	attemptsJSON, err := marshalAttempts(sess.Attempts)
	if err != nil {
		slog.Error("PostgresStore SaveSession attempts marshal failed", "error", err, "session_id", sess.ID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, current_step, attempts, created_at, last_activity_at, completed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			attempts = EXCLUDED.attempts,
			last_activity_at = EXCLUDED.last_activity_at,
			completed = EXCLUDED.completed`,
		sess.ID, sess.CurrentStep, attemptsJSON, sess.CreatedAt, sess.LastActivityAt, sess.Completed)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "session_id", sess.ID, "step", sess.CurrentStep)
	return nil
}

// GetSession retrieves a session or (nil, nil) when not found.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	var attemptsJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT id, current_step, attempts, created_at, last_activity_at, completed
		FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.CurrentStep, &attemptsJSON, &sess.CreatedAt, &sess.LastActivityAt, &sess.Completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	sess.Attempts = unmarshalAttempts(attemptsJSON.String)
	return &sess, nil
}

// ExpireSessions deletes sessions idle since before the cutoff.
func (s *PostgresStore) ExpireSessions(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity_at < $1`, olderThan)
	if err != nil {
		slog.Error("PostgresStore ExpireSessions failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore expired sessions", "count", n)
	}
	return int(n), nil
}

// SaveStepResponse overwrites the answer for (session, step).
func (s *PostgresStore) SaveStepResponse(r models.StepResponse) error {
	_, err := s.db.Exec(`
		INSERT INTO step_responses (session_id, step, text, attempt_count, force_accepted, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, step) DO UPDATE SET
			text = EXCLUDED.text,
			attempt_count = EXCLUDED.attempt_count,
			force_accepted = EXCLUDED.force_accepted,
			accepted_at = EXCLUDED.accepted_at`,
		r.SessionID, r.Step, r.Text, r.AttemptCount, r.ForceAccepted, r.AcceptedAt)
	if err != nil {
		slog.Error("PostgresStore SaveStepResponse failed", "error", err, "session_id", r.SessionID, "step", r.Step)
		return fmt.Errorf("failed to save step response: %w", err)
	}
	slog.Debug("PostgresStore SaveStepResponse succeeded", "session_id", r.SessionID, "step", r.Step, "forced", r.ForceAccepted)
	return nil
}

// GetStepResponses returns all accepted answers for a session.
func (s *PostgresStore) GetStepResponses(sessionID string) ([]models.StepResponse, error) {
	rows, err := s.db.Query(`
		SELECT session_id, step, text, attempt_count, force_accepted, accepted_at
		FROM step_responses WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore GetStepResponses query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query step responses: %w", err)
	}
	defer rows.Close()

	var responses []models.StepResponse
	for rows.Next() {
		var r models.StepResponse
		if err := rows.Scan(&r.SessionID, &r.Step, &r.Text, &r.AttemptCount, &r.ForceAccepted, &r.AcceptedAt); err != nil {
			slog.Error("PostgresStore GetStepResponses scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan step response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step response rows: %w", err)
	}
	return responses, nil
}

// AddRiskEvent appends a risk event row.
func (s *PostgresStore) AddRiskEvent(e models.RiskEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO risk_events (session_id, label, confidence, method, excerpt, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.SessionID, e.Label, e.Confidence, e.Method, nilIfEmpty(e.Excerpt), e.DetectedAt)
	if err != nil {
		slog.Error("PostgresStore AddRiskEvent failed", "error", err, "session_id", e.SessionID)
		return fmt.Errorf("failed to insert risk event: %w", err)
	}
	slog.Debug("PostgresStore AddRiskEvent succeeded", "session_id", e.SessionID, "method", e.Method)
	return nil
}

// GetRiskEvents returns all risk events for a session.
func (s *PostgresStore) GetRiskEvents(sessionID string) ([]models.RiskEvent, error) {
	rows, err := s.db.Query(`
		SELECT session_id, label, confidence, method, excerpt, detected_at
		FROM risk_events WHERE session_id = $1 ORDER BY detected_at`, sessionID)
	if err != nil {
		slog.Error("PostgresStore GetRiskEvents query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}
	defer rows.Close()

	var events []models.RiskEvent
	for rows.Next() {
		var e models.RiskEvent
		var excerpt sql.NullString
		if err := rows.Scan(&e.SessionID, &e.Label, &e.Confidence, &e.Method, &excerpt, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event row: %w", err)
		}
		e.Excerpt = excerpt.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddAuditRecord appends an audit record row.
func (s *PostgresStore) AddAuditRecord(a models.AuditRecord) error {
	riskJSON, intentJSON, sentimentJSON, err := marshalClassifications(a)
	if err != nil {
		slog.Error("PostgresStore AddAuditRecord marshal failed", "error", err, "session_id", a.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_records (session_id, message, risk_json, intent_json, sentiment_json, from_step, to_step, source, reply, latency_ms, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.SessionID, a.Message, riskJSON, intentJSON, sentimentJSON, a.FromStep, a.ToStep, a.Source, a.Reply, a.LatencyMS, a.Degraded, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddAuditRecord failed", "error", err, "session_id", a.SessionID)
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// GetAuditRecords returns all audit records for a session.
func (s *PostgresStore) GetAuditRecords(sessionID string) ([]models.AuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, message, risk_json, intent_json, sentiment_json, from_step, to_step, source, reply, latency_ms, degraded, created_at
		FROM audit_records WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		slog.Error("PostgresStore GetAuditRecords query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// DeleteSessionData removes a session and everything keyed to it.
func (s *PostgresStore) DeleteSessionData(sessionID string) error {
	for _, q := range []string{
		`DELETE FROM audit_records WHERE session_id = $1`,
		`DELETE FROM risk_events WHERE session_id = $1`,
		`DELETE FROM step_responses WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := s.db.Exec(q, sessionID); err != nil {
			slog.Error("PostgresStore DeleteSessionData failed", "error", err, "session_id", sessionID)
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	slog.Info("PostgresStore deleted session data", "session_id", sessionID)
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
