package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aimhi/yarnbot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalClassifications serializes the audit record's classification results
// for storage. Risk is always present; intent/sentiment may be nil when the
// risk gate short-circuited.
func marshalClassifications(a models.AuditRecord) (risk string, intent, sentiment interface{}, err error) {
	riskBytes, err := json.Marshal(a.Risk)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to marshal risk result: %w", err)
	}
	risk = string(riskBytes)

	if a.Intent != nil {
		b, err := json.Marshal(a.Intent)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to marshal intent result: %w", err)
		}
		intent = string(b)
	}
	if a.Sentiment != nil {
		b, err := json.Marshal(a.Sentiment)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to marshal sentiment result: %w", err)
		}
		sentiment = string(b)
	}
	return risk, intent, sentiment, nil
}

// scanAuditRecords reads audit record rows back into models.
func scanAuditRecords(rows *sql.Rows) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	for rows.Next() {
		var a models.AuditRecord
		var riskJSON string
		var intentJSON, sentimentJSON sql.NullString
		if err := rows.Scan(&a.SessionID, &a.Message, &riskJSON, &intentJSON, &sentimentJSON,
			&a.FromStep, &a.ToStep, &a.Source, &a.Reply, &a.LatencyMS, &a.Degraded, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record row: %w", err)
		}
		if err := json.Unmarshal([]byte(riskJSON), &a.Risk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk result: %w", err)
		}
		if intentJSON.Valid && intentJSON.String != "" {
			var res models.ClassificationResult
			if err := json.Unmarshal([]byte(intentJSON.String), &res); err != nil {
				return nil, fmt.Errorf("failed to unmarshal intent result: %w", err)
			}
			a.Intent = &res
		}
		if sentimentJSON.Valid && sentimentJSON.String != "" {
			var res models.ClassificationResult
			if err := json.Unmarshal([]byte(sentimentJSON.String), &res); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sentiment result: %w", err)
			}
			a.Sentiment = &res
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
