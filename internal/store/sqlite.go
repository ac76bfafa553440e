// SQLite-backed Store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/aimhi/yarnbot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists dialogue state in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if missing and migrations are applied.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveSession inserts or updates a session row.
func (s *SQLiteStore) SaveSession(sess models.Session) error {
	attemptsJSON, err := marshalAttempts(sess.Attempts)
	if err != nil {
		slog.Error("SQLiteStore SaveSession attempts marshal failed", "error", err, "session_id", sess.ID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sessions (id, current_step, attempts, created_at, last_activity_at, completed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.CurrentStep, attemptsJSON, sess.CreatedAt, sess.LastActivityAt, sess.Completed)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "session_id", sess.ID, "step", sess.CurrentStep)
	return nil
}

// GetSession retrieves a session or (nil, nil) when not found.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	var attemptsJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT id, current_step, attempts, created_at, last_activity_at, completed
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.CurrentStep, &attemptsJSON, &sess.CreatedAt, &sess.LastActivityAt, &sess.Completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	sess.Attempts = unmarshalAttempts(attemptsJSON.String)
	return &sess, nil
}

// ExpireSessions deletes sessions idle since before the cutoff.
func (s *SQLiteStore) ExpireSessions(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity_at < ?`, olderThan)
	if err != nil {
		slog.Error("SQLiteStore ExpireSessions failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore expired sessions", "count", n)
	}
	return int(n), nil
}

// SaveStepResponse overwrites the answer for (session, step); the primary key
// enforces uniqueness.
func (s *SQLiteStore) SaveStepResponse(r models.StepResponse) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO step_responses (session_id, step, text, attempt_count, force_accepted, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Step, r.Text, r.AttemptCount, r.ForceAccepted, r.AcceptedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveStepResponse failed", "error", err, "session_id", r.SessionID, "step", r.Step)
		return fmt.Errorf("failed to save step response: %w", err)
	}
	slog.Debug("SQLiteStore SaveStepResponse succeeded", "session_id", r.SessionID, "step", r.Step, "forced", r.ForceAccepted)
	return nil
}

// GetStepResponses returns all accepted answers for a session.
func (s *SQLiteStore) GetStepResponses(sessionID string) ([]models.StepResponse, error) {
	rows, err := s.db.Query(`
		SELECT session_id, step, text, attempt_count, force_accepted, accepted_at
		FROM step_responses WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetStepResponses query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query step responses: %w", err)
	}
	defer rows.Close()

	var responses []models.StepResponse
	for rows.Next() {
		var r models.StepResponse
		if err := rows.Scan(&r.SessionID, &r.Step, &r.Text, &r.AttemptCount, &r.ForceAccepted, &r.AcceptedAt); err != nil {
			slog.Error("SQLiteStore GetStepResponses scan failed", "error", err)
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
func (s *SQLiteStore) AddRiskEvent(e models.RiskEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO risk_events (session_id, label, confidence, method, excerpt, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Label, e.Confidence, e.Method, nilIfEmpty(e.Excerpt), e.DetectedAt)
	if err != nil {
		slog.Error("SQLiteStore AddRiskEvent failed", "error", err, "session_id", e.SessionID)
		return fmt.Errorf("failed to insert risk event: %w", err)
	}
	slog.Debug("SQLiteStore AddRiskEvent succeeded", "session_id", e.SessionID, "method", e.Method)
	return nil
}

// GetRiskEvents returns all risk events for a session.
func (s *SQLiteStore) GetRiskEvents(sessionID string) ([]models.RiskEvent, error) {
	rows, err := s.db.Query(`
		SELECT session_id, label, confidence, method, excerpt, detected_at
		FROM risk_events WHERE session_id = ? ORDER BY detected_at`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetRiskEvents query failed", "error", err, "session_id", sessionID)
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
func (s *SQLiteStore) AddAuditRecord(a models.AuditRecord) error {
	riskJSON, intentJSON, sentimentJSON, err := marshalClassifications(a)
	if err != nil {
		slog.Error("SQLiteStore AddAuditRecord marshal failed", "error", err, "session_id", a.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_records (session_id, message, risk_json, intent_json, sentiment_json, from_step, to_step, source, reply, latency_ms, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Message, riskJSON, intentJSON, sentimentJSON, a.FromStep, a.ToStep, a.Source, a.Reply, a.LatencyMS, a.Degraded, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddAuditRecord failed", "error", err, "session_id", a.SessionID)
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// GetAuditRecords returns all audit records for a session.
func (s *SQLiteStore) GetAuditRecords(sessionID string) ([]models.AuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, message, risk_json, intent_json, sentiment_json, from_step, to_step, source, reply, latency_ms, degraded, created_at
		FROM audit_records WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetAuditRecords query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// DeleteSessionData removes a session and everything keyed to it.
func (s *SQLiteStore) DeleteSessionData(sessionID string) error {
	for _, q := range []string{
		`DELETE FROM audit_records WHERE session_id = ?`,
		`DELETE FROM risk_events WHERE session_id = ?`,
		`DELETE FROM step_responses WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := s.db.Exec(q, sessionID); err != nil {
			slog.Error("SQLiteStore DeleteSessionData failed", "error", err, "session_id", sessionID)
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	slog.Info("SQLiteStore deleted session data", "session_id", sessionID)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func marshalAttempts(attempts map[models.Step]int) (string, error) {
	if len(attempts) == 0 {
		return "", nil
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attempts: %w", err)
	}
	return string(data), nil
}

func unmarshalAttempts(data string) map[models.Step]int {
	if data == "" {
		return nil
	}
	attempts := make(map[models.Step]int)
	if err := json.Unmarshal([]byte(data), &attempts); err != nil {
		slog.Error("Failed to unmarshal session attempts, starting fresh", "error", err)
		return nil
	}
	return attempts
}
