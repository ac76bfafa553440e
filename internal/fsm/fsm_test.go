package fsm

import (
	"errors"
	"testing"
	"time"

	"github.com/aimhi/yarnbot/internal/models"
)

func newSession(step models.Step) *models.Session {
	now := time.Now()
	return &models.Session{ID: "test-session", CurrentStep: step, CreatedAt: now, LastActivityAt: now}
}

func TestAdvanceWelcome(t *testing.T) {
	sess := newSession(models.StepWelcome)
	m := New(sess, DefaultConfig())

	d, err := m.AdvanceWelcome()
	if err != nil {
		t.Fatalf("AdvanceWelcome failed: %v", err)
	}
	if d.Source != models.SourceWelcome {
		t.Errorf("expected welcome source, got %s", d.Source)
	}
	if sess.CurrentStep != models.StepSupportPeople {
		t.Errorf("expected session at support_people, got %s", sess.CurrentStep)
	}
}

func TestAdvanceWelcomeWrongStep(t *testing.T) {
	m := New(newSession(models.StepGoals), DefaultConfig())
	if _, err := m.AdvanceWelcome(); !errors.Is(err, models.ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
}

func TestEvaluateTopicalAnswerAdvances(t *testing.T) {
	sess := newSession(models.StepSupportPeople)
	m := New(sess, DefaultConfig())

	d, err := m.Evaluate(models.IntentSupportPeople, 0.8, "my mum and my aunty")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Source != models.SourceAdvance {
		t.Errorf("expected advance, got %s", d.Source)
	}
	if d.To != models.StepStrengths {
		t.Errorf("expected transition to strengths, got %s", d.To)
	}
	if d.Response == nil {
		t.Fatal("expected a stored response")
	}
	if d.Response.Text != "my mum and my aunty" || d.Response.ForceAccepted {
		t.Errorf("unexpected response: %+v", d.Response)
	}
	if sess.AttemptCount(models.StepSupportPeople) != 0 {
		t.Error("expected attempts reset on leaving the step")
	}
}

func TestEvaluateAffirmativeAnswerAdvances(t *testing.T) {
	sess := newSession(models.StepWorries)
	m := New(sess, DefaultConfig())

	// A confident generic answer counts as addressing the step even without
	// topic keywords in the label.
	d, err := m.Evaluate(models.IntentAffirmative, 0.9, "yes, heaps on my mind")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Source != models.SourceAdvance {
		t.Errorf("expected advance for confident affirmative, got %s", d.Source)
	}
	if d.To != models.StepGoals {
		t.Errorf("expected transition to goals, got %s", d.To)
	}
	if d.Response == nil || d.Response.Text != "yes, heaps on my mind" {
		t.Errorf("expected the answer stored, got %+v", d.Response)
	}
	if sess.AttemptCount(models.StepWorries) != 0 {
		t.Error("expected no attempt recorded for an accepted answer")
	}
}

func TestEvaluateLowConfidenceAffirmativeClarifies(t *testing.T) {
	sess := newSession(models.StepWorries)
	m := New(sess, DefaultConfig())

	d, err := m.Evaluate(models.IntentAffirmative, 0.1, "ok")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Source != models.SourceClarify {
		t.Errorf("expected clarify for low-confidence affirmative, got %s", d.Source)
	}
}

func TestEvaluateBelowConfidenceClarifies(t *testing.T) {
	sess := newSession(models.StepWorries)
	m := New(sess, DefaultConfig())

	d, err := m.Evaluate(models.IntentWorries, 0.1, "hmm")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Source != models.SourceClarify {
		t.Errorf("expected clarify for low confidence, got %s", d.Source)
	}
	if sess.CurrentStep != models.StepWorries {
		t.Errorf("expected machine to hold, got %s", sess.CurrentStep)
	}
	if d.Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", d.Attempts)
	}
}

func TestEvaluateForceAdvanceAtMaxAttempts(t *testing.T) {
	sess := newSession(models.StepStrengths)
	m := New(sess, Config{MaxAttempts: 2, AcceptConfidence: 0.3})

	d, err := m.Evaluate(models.IntentUnclear, 0, "???")
	if err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	if d.Source != models.SourceClarify {
		t.Fatalf("expected clarify on first unclear answer, got %s", d.Source)
	}

	d, err = m.Evaluate(models.IntentUnclear, 0, "still confused")
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if d.Source != models.SourceForceAdvance {
		t.Fatalf("expected force_advance at max attempts, got %s", d.Source)
	}
	if d.To != models.StepWorries {
		t.Errorf("expected one step forward, got %s", d.To)
	}
	if d.Response == nil || !d.Response.ForceAccepted {
		t.Errorf("expected force-accepted response, got %+v", d.Response)
	}
	if d.Response.Text != "still confused" {
		t.Errorf("expected the raw text stored, got %q", d.Response.Text)
	}
	if d.Response.AttemptCount != 2 {
		t.Errorf("expected attempt count 2 on the stored answer, got %d", d.Response.AttemptCount)
	}
	if sess.AttemptCount(models.StepStrengths) != 0 {
		t.Error("expected attempts reset after force advance")
	}
}

func TestEvaluateNegativeDisclosureAcceptedImmediately(t *testing.T) {
	sess := newSession(models.StepSupportPeople)
	m := New(sess, DefaultConfig())

	// Well under the accept threshold but above the deterministic-default
	// floor: refusals never trigger clarification loops.
	d, err := m.Evaluate(models.IntentNoSupport, 0.1, "nobody really")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Source != models.SourceNegativeAccept {
		t.Errorf("expected negative_accept, got %s", d.Source)
	}
	if d.To != models.StepStrengths {
		t.Errorf("expected advance to strengths, got %s", d.To)
	}
	if d.Response == nil || d.Response.ForceAccepted {
		t.Errorf("expected a normally accepted response, got %+v", d.Response)
	}
}

func TestEvaluateZeroConfidenceNegativeNotAccepted(t *testing.T) {
	sess := newSession(models.StepGoals)
	m := New(sess, DefaultConfig())

	// Confidence 0 marks a deterministic default label, not a real refusal.
	d, err := m.Evaluate(models.IntentNoGoals, 0, "whatever")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Source != models.SourceClarify {
		t.Errorf("expected clarify for zero-confidence refusal, got %s", d.Source)
	}
}

func TestEvaluateReachingSummaryCompletes(t *testing.T) {
	sess := newSession(models.StepGoals)
	m := New(sess, DefaultConfig())

	d, err := m.Evaluate(models.IntentGoals, 0.9, "finish school")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.To != models.StepSummary {
		t.Errorf("expected transition to summary, got %s", d.To)
	}
	if !sess.Completed {
		t.Error("expected session marked completed on reaching summary")
	}
}

func TestEvaluateNonContentStep(t *testing.T) {
	m := New(newSession(models.StepSummary), DefaultConfig())
	if _, err := m.Evaluate(models.IntentGoals, 0.9, "text"); !errors.Is(err, models.ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep for non-content step, got %v", err)
	}
}

func TestAttemptsIsolatedPerStep(t *testing.T) {
	sess := newSession(models.StepSupportPeople)
	m := New(sess, DefaultConfig())

	if _, err := m.Evaluate(models.IntentUnclear, 0, "eh"); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if sess.AttemptCount(models.StepSupportPeople) != 1 {
		t.Fatalf("expected 1 attempt at support_people")
	}
	if sess.AttemptCount(models.StepStrengths) != 0 {
		t.Error("expected other steps untouched")
	}
}

func TestSummarize(t *testing.T) {
	responses := []models.StepResponse{
		{Step: models.StepSupportPeople, Text: "mum and aunty"},
		{Step: models.StepStrengths, Text: "footy"},
		{Step: models.StepGoals, Text: "  finish school  "},
	}
	got := Summarize(responses)
	want := "People in your corner: mum and aunty\nYour strengths: footy\nWhat you're working towards: finish school"
	if got != want {
		t.Errorf("unexpected summary:\n got %q\nwant %q", got, want)
	}
}

func TestSummarizeSkipsEmpty(t *testing.T) {
	if got := Summarize(nil); got != "" {
		t.Errorf("expected empty summary for no responses, got %q", got)
	}
	responses := []models.StepResponse{{Step: models.StepWorries, Text: "   "}}
	if got := Summarize(responses); got != "" {
		t.Errorf("expected blank answers skipped, got %q", got)
	}
}
