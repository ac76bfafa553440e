// Package fsm implements the conversation state machine: the fixed step
// order, per-step attempt counters with bounded retries, and the
// accept / clarify / force-advance / negative-accept transition policy.
package fsm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aimhi/yarnbot/internal/models"
)

// Config holds the tunable transition parameters.
type Config struct {
	// MaxAttempts is the number of unclear answers tolerated at a step before
	// the machine force-advances. Reaching it never loops.
	MaxAttempts int
	// AcceptConfidence is the minimum intent confidence for a topical answer
	// to be accepted at a content step.
	AcceptConfidence float64
}

// DefaultConfig returns the default transition parameters.
func DefaultConfig() Config {
	return Config{MaxAttempts: 2, AcceptConfidence: 0.3}
}

// Decision describes the single transition (or hold) the machine chose for
// one message.
type Decision struct {
	Source models.ResponseSource
	From   models.Step
	To     models.Step
	// Response is the accepted step answer, set for advance, force_advance
	// and negative_accept decisions.
	Response *models.StepResponse
	// Attempts is the step's attempt counter after the decision.
	Attempts int
}

// Machine binds the transition rules to one session. It mutates the session's
// CurrentStep and Attempts; callers persist the session and any accepted
// StepResponse.
type Machine struct {
	session *models.Session
	cfg     Config
}

// New creates a machine over the given session.
func New(session *models.Session, cfg Config) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.AcceptConfidence <= 0 {
		cfg.AcceptConfidence = DefaultConfig().AcceptConfidence
	}
	return &Machine{session: session, cfg: cfg}
}

// Step returns the session's current step.
func (m *Machine) Step() models.Step {
	return m.session.CurrentStep
}

// AdvanceWelcome applies the welcome rule: any non-empty message advances to
// the first content step without classification.
func (m *Machine) AdvanceWelcome() (Decision, error) {
	if m.session.CurrentStep != models.StepWelcome {
		return Decision{}, fmt.Errorf("%w: AdvanceWelcome from %s", models.ErrUnknownStep, m.session.CurrentStep)
	}
	next, _ := models.StepWelcome.Next()
	m.session.CurrentStep = next
	slog.Debug("FSM welcome advanced", "session_id", m.session.ID, "to", next)
	return Decision{Source: models.SourceWelcome, From: models.StepWelcome, To: next}, nil
}

// Evaluate applies the content-step transition rule to one classified
// message. Exactly one of four outcomes results:
//
//   - negative_accept: the step's explicit refusal intent, any confidence
//     above the deterministic-default floor; accepted immediately.
//   - advance: the step's topic intent, or a generic affirmative answer, at
//     or above AcceptConfidence.
//   - clarify: anything else while attempts remain; the machine holds.
//   - force_advance: the attempt bound is reached; the raw text is stored as
//     a force-accepted answer and the machine moves on.
//
// The machine never moves more than one step per call, and the step's attempt
// counter is always reset on leaving the step.
func (m *Machine) Evaluate(intent models.Intent, confidence float64, text string) (Decision, error) {
	step := m.session.CurrentStep
	if !step.IsContent() {
		return Decision{}, fmt.Errorf("%w: Evaluate at %s", models.ErrUnknownStep, step)
	}

	if intent.IsNegativeDisclosure(step) && confidence > 0 {
		return m.accept(step, intent, text, models.SourceNegativeAccept, false), nil
	}
	if (intent.MatchesStep(step) || intent == models.IntentAffirmative) && confidence >= m.cfg.AcceptConfidence {
		return m.accept(step, intent, text, models.SourceAdvance, false), nil
	}

	attempts := m.session.AttemptCount(step) + 1
	m.session.SetAttempts(step, attempts)
	if attempts < m.cfg.MaxAttempts {
		slog.Debug("FSM holding for clarification", "session_id", m.session.ID, "step", step, "attempts", attempts)
		return Decision{Source: models.SourceClarify, From: step, To: step, Attempts: attempts}, nil
	}

	slog.Info("FSM force-advancing after max attempts", "session_id", m.session.ID, "step", step, "attempts", attempts)
	return m.accept(step, intent, text, models.SourceForceAdvance, true), nil
}

// accept stores the answer, resets the step's attempt counter, and moves to
// the next step.
func (m *Machine) accept(step models.Step, intent models.Intent, text string, source models.ResponseSource, forced bool) Decision {
	attempts := m.session.AttemptCount(step)
	if source == models.SourceForceAdvance {
		// The force-advancing message itself counted as the final attempt.
		attempts = m.cfg.MaxAttempts
	}
	m.session.SetAttempts(step, 0)

	next, ok := step.Next()
	if !ok {
		next = step
	}
	m.session.CurrentStep = next
	if next == models.StepSummary {
		m.session.Completed = true
	}

	resp := &models.StepResponse{
		SessionID:     m.session.ID,
		Step:          step,
		Text:          text,
		AttemptCount:  attempts,
		ForceAccepted: forced,
		AcceptedAt:    time.Now(),
	}
	slog.Info("FSM step accepted", "session_id", m.session.ID, "step", step, "to", next, "source", source, "intent", intent, "forced", forced)
	return Decision{Source: source, From: step, To: next, Response: resp}
}

// Summarize renders the structured recap emitted on reaching the summary
// step, derived from the stored step answers.
func Summarize(responses []models.StepResponse) string {
	byStep := make(map[models.Step]models.StepResponse, len(responses))
	for _, r := range responses {
		byStep[r.Step] = r
	}

	labels := []struct {
		step  models.Step
		label string
	}{
		{models.StepSupportPeople, "People in your corner"},
		{models.StepStrengths, "Your strengths"},
		{models.StepWorries, "What's been on your mind"},
		{models.StepGoals, "What you're working towards"},
	}

	var b strings.Builder
	for _, l := range labels {
		r, ok := byStep[l.step]
		if !ok || strings.TrimSpace(r.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", l.label, strings.TrimSpace(r.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
