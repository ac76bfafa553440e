// Package testutil provides common test utilities and helpers for yarnbot tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aimhi/yarnbot/internal/classify"
	"github.com/aimhi/yarnbot/internal/models"
)

// ScriptedRisk is a risk classifier returning a fixed result per call.
type ScriptedRisk struct {
	Result models.ClassificationResult
	// Calls counts Classify invocations, for asserting the safety gate
	// ordering.
	Calls int
}

// Classify returns the scripted result.
func (s *ScriptedRisk) Classify(context.Context, string) models.ClassificationResult {
	s.Calls++
	return s.Result
}

// ScriptedIntent is an intent classifier returning queued results in order,
// repeating the last one when exhausted.
type ScriptedIntent struct {
	Results []models.ClassificationResult
	Calls   int
	// Messages records the raw text each call received.
	Messages []string
}

// Classify returns the next scripted result.
func (s *ScriptedIntent) Classify(_ context.Context, message string, _ models.Step) models.ClassificationResult {
	s.Calls++
	s.Messages = append(s.Messages, message)
	return nextResult(s.Results, s.Calls)
}

// ScriptedSentiment is a sentiment classifier returning queued results in
// order, repeating the last one when exhausted.
type ScriptedSentiment struct {
	Results []models.ClassificationResult
	Calls   int
	// Messages records the raw text each call received.
	Messages []string
}

// Classify returns the next scripted result.
func (s *ScriptedSentiment) Classify(_ context.Context, message string) models.ClassificationResult {
	s.Calls++
	s.Messages = append(s.Messages, message)
	return nextResult(s.Results, s.Calls)
}

func nextResult(results []models.ClassificationResult, call int) models.ClassificationResult {
	if len(results) == 0 {
		return models.ClassificationResult{}
	}
	if call > len(results) {
		return results[len(results)-1]
	}
	return results[call-1]
}

// NoRisk returns a scripted risk classifier that never detects risk.
func NoRisk() *ScriptedRisk {
	return &ScriptedRisk{Result: models.ClassificationResult{
		Label:      string(models.RiskNone),
		Confidence: 0.9,
		Method:     models.MethodPrimary,
	}}
}

// IntentResult builds a primary-tier intent result.
func IntentResult(intent models.Intent, confidence float64) models.ClassificationResult {
	return models.ClassificationResult{Label: string(intent), Confidence: confidence, Method: models.MethodPrimary}
}

// NeutralSentiment returns a scripted sentiment classifier that always
// answers neutral.
func NeutralSentiment() *ScriptedSentiment {
	return &ScriptedSentiment{Results: []models.ClassificationResult{{
		Label:      string(models.SentimentNeutral),
		Confidence: 0.8,
		Method:     models.MethodPrimary,
	}}}
}

// Compile-time interface checks for the scripted classifiers.
var (
	_ classify.RiskClassifier      = (*ScriptedRisk)(nil)
	_ classify.IntentClassifier    = (*ScriptedIntent)(nil)
	_ classify.SentimentClassifier = (*ScriptedSentiment)(nil)
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, url, reqBody)
	req.Header.Set("Content-Type", "application/json")
	return req
}
