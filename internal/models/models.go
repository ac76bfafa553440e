// Package models defines the core data structures for the yarnbot dialogue manager.
//
// It includes the conversation step enum, classification value objects, session
// and audit types shared across modules.
package models

import (
	"errors"
	"time"
)

// Step identifies a state in the conversation state machine.
type Step string

const (
	// StepWelcome is the initial greeting state; any non-empty message advances.
	StepWelcome Step = "welcome"
	// StepSupportPeople asks who supports the user.
	StepSupportPeople Step = "support_people"
	// StepStrengths asks what the user is good at or proud of.
	StepStrengths Step = "strengths"
	// StepWorries asks what has been on the user's mind.
	StepWorries Step = "worries"
	// StepGoals asks what the user wants to work towards.
	StepGoals Step = "goals"
	// StepSummary is the terminal content state that recaps the conversation.
	StepSummary Step = "summary"
	// StepLLMConversation is the optional free-form follow-up state entered
	// from summary when the deployment enables it.
	StepLLMConversation Step = "llm_conversation"
)

// ContentSteps lists the four steps that collect a user answer, in order.
var ContentSteps = []Step{StepSupportPeople, StepStrengths, StepWorries, StepGoals}

// stepOrder defines the fixed forward-only transition table.
var stepOrder = map[Step]Step{
	StepWelcome:       StepSupportPeople,
	StepSupportPeople: StepStrengths,
	StepStrengths:     StepWorries,
	StepWorries:       StepGoals,
	StepGoals:         StepSummary,
	StepSummary:       StepLLMConversation,
}

// Next returns the step that follows s in the fixed order. The second return
// value is false for terminal steps.
func (s Step) Next() (Step, bool) {
	next, ok := stepOrder[s]
	return next, ok
}

// IsContent reports whether s is one of the four answer-collecting steps.
func (s Step) IsContent() bool {
	switch s {
	case StepSupportPeople, StepStrengths, StepWorries, StepGoals:
		return true
	default:
		return false
	}
}

// IsValidStep checks if the given step is part of the conversation model.
func IsValidStep(s Step) bool {
	switch s {
	case StepWelcome, StepSupportPeople, StepStrengths, StepWorries, StepGoals, StepSummary, StepLLMConversation:
		return true
	default:
		return false
	}
}

// Intent is the classified communicative purpose of a user message.
type Intent string

const (
	IntentGreeting      Intent = "greeting"
	IntentQuestion      Intent = "question"
	IntentAffirmative   Intent = "affirmative"
	IntentNegative      Intent = "negative"
	IntentSupportPeople Intent = "support_people"
	IntentStrengths     Intent = "strengths"
	IntentWorries       Intent = "worries"
	IntentGoals         Intent = "goals"
	IntentNoSupport     Intent = "no_support"
	IntentNoStrengths   Intent = "no_strengths"
	IntentNoWorries     Intent = "no_worries"
	IntentNoGoals       Intent = "no_goals"
	IntentUnclear       Intent = "unclear"
)

// stepTopicIntent maps each content step to the intent that matches its topic.
var stepTopicIntent = map[Step]Intent{
	StepSupportPeople: IntentSupportPeople,
	StepStrengths:     IntentStrengths,
	StepWorries:       IntentWorries,
	StepGoals:         IntentGoals,
}

// stepNegativeIntent maps each content step to its explicit refusal variant.
var stepNegativeIntent = map[Step]Intent{
	StepSupportPeople: IntentNoSupport,
	StepStrengths:     IntentNoStrengths,
	StepWorries:       IntentNoWorries,
	StepGoals:         IntentNoGoals,
}

// MatchesStep reports whether the intent matches the expected topic of the
// given content step.
func (i Intent) MatchesStep(step Step) bool {
	return stepTopicIntent[step] == i && i != ""
}

// IsNegativeDisclosure reports whether the intent is the explicit refusal
// variant for the given content step. A user declining to share is a valid
// accepted answer, not an unclear response.
func (i Intent) IsNegativeDisclosure(step Step) bool {
	return stepNegativeIntent[step] == i && i != ""
}

// TopicIntentFor returns the expected topic intent for a content step.
func TopicIntentFor(step Step) (Intent, bool) {
	in, ok := stepTopicIntent[step]
	return in, ok
}

// NegativeIntentFor returns the refusal-variant intent for a content step.
func NegativeIntentFor(step Step) (Intent, bool) {
	in, ok := stepNegativeIntent[step]
	return in, ok
}

// Sentiment is the classified emotional valence of a user message. It is used
// only to modulate reply tone, never the structural routing decision.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// RiskLabel is the binary safety classification of a message.
type RiskLabel string

const (
	RiskDetected RiskLabel = "risk"
	RiskNone     RiskLabel = "no_risk"
)

// Method records which classifier tier produced a result.
type Method string

const (
	// MethodPrimary means the primary model answered above threshold.
	MethodPrimary Method = "primary"
	// MethodFallback means the fallback model answered after the primary
	// failed, timed out, or came back under threshold.
	MethodFallback Method = "fallback"
	// MethodDeterministicDefault means both model tiers were exhausted and
	// the fixed default was used.
	MethodDeterministicDefault Method = "deterministic_default"
)

// ClassificationResult is the immutable value object returned by every
// classification port.
type ClassificationResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
}

// Session represents one conversation instance. The FSM owns CurrentStep and
// Attempts; stores only persist them.
type Session struct {
	ID             string       `json:"id"`
	CurrentStep    Step         `json:"current_step"`
	Attempts       map[Step]int `json:"attempts,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	Completed      bool         `json:"completed"`
}

// AttemptCount returns the attempt counter for a step, zero when unset.
func (s *Session) AttemptCount(step Step) int {
	if s.Attempts == nil {
		return 0
	}
	return s.Attempts[step]
}

// SetAttempts updates the attempt counter for a step.
func (s *Session) SetAttempts(step Step, n int) {
	if s.Attempts == nil {
		s.Attempts = make(map[Step]int)
	}
	s.Attempts[step] = n
}

// StepResponse is the accepted user answer for one step in one session.
// At most one exists per (session, step); a later accepted answer overwrites.
type StepResponse struct {
	SessionID     string    `json:"session_id"`
	Step          Step      `json:"step"`
	Text          string    `json:"text"`
	AttemptCount  int       `json:"attempt_count"`
	ForceAccepted bool      `json:"force_accepted"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

// RiskEvent is an append-only record of a positive risk classification.
type RiskEvent struct {
	SessionID  string    `json:"session_id"`
	Label      RiskLabel `json:"label"`
	Confidence float64   `json:"confidence"`
	Method     Method    `json:"method"`
	Excerpt    string    `json:"excerpt,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// ResponseSource tags the structural routing decision that produced a reply.
type ResponseSource string

const (
	SourceAdvance        ResponseSource = "advance"
	SourceClarify        ResponseSource = "clarify"
	SourceForceAdvance   ResponseSource = "force_advance"
	SourceNegativeAccept ResponseSource = "negative_accept"
	SourceCrisis         ResponseSource = "crisis"
	SourceWelcome        ResponseSource = "welcome"
	SourceSummary        ResponseSource = "summary"
	SourceCompleted      ResponseSource = "completed"
	SourceLLM            ResponseSource = "llm_conversation"
	SourceError          ResponseSource = "error"
)

// AuditRecord captures everything the router decided for one message.
type AuditRecord struct {
	SessionID string                `json:"session_id"`
	Message   string                `json:"message"`
	Risk      ClassificationResult  `json:"risk"`
	Intent    *ClassificationResult `json:"intent,omitempty"`
	Sentiment *ClassificationResult `json:"sentiment,omitempty"`
	FromStep  Step                  `json:"from_step"`
	ToStep    Step                  `json:"to_step"`
	Source    ResponseSource        `json:"source"`
	Reply     string                `json:"reply"`
	LatencyMS int64                 `json:"latency_ms"`
	Degraded  bool                  `json:"degraded"`
	CreatedAt time.Time             `json:"created_at"`
}

// RouteResult is what the router returns for one inbound message.
type RouteResult struct {
	Reply   string      `json:"reply"`
	Session Session     `json:"session"`
	Audit   AuditRecord `json:"audit"`
}

// Validation constants for inbound messages.
const (
	// MaxMessageLength caps the length of one inbound chat message.
	MaxMessageLength = 2000
)

// Error variables for better error handling and testability.
var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrUnknownStep    = errors.New("unknown conversation step")
)

// ValidateMessage checks an inbound message before routing. Whitespace-only
// input counts as empty.
func ValidateMessage(message string) error {
	trimmed := false
	for _, r := range message {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			trimmed = true
			break
		}
	}
	if !trimmed {
		return ErrEmptyMessage
	}
	if len(message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
