// Package router implements the message routing pipeline: safety gate first,
// then step-fit, classification, state transition, reply selection, and audit
// persistence.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aimhi/yarnbot/internal/classify"
	"github.com/aimhi/yarnbot/internal/fsm"
	"github.com/aimhi/yarnbot/internal/genai"
	"github.com/aimhi/yarnbot/internal/models"
	"github.com/aimhi/yarnbot/internal/selector"
	"github.com/aimhi/yarnbot/internal/session"
	"github.com/aimhi/yarnbot/internal/store"
)

// DefaultRouteTimeout bounds the whole pipeline for one message.
const DefaultRouteTimeout = 15 * time.Second

// llmHistoryWindow caps how many prior turns are replayed into the free-form
// conversation model.
const llmHistoryWindow = 10

// Config holds the router's tunable parameters.
type Config struct {
	// RouteTimeout bounds one full Route call.
	RouteTimeout time.Duration
	// LLMEnabled allows the post-summary free-form conversation mode. When
	// false or no model client is wired, completed sessions get a fixed
	// closing reply instead.
	LLMEnabled bool
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{RouteTimeout: DefaultRouteTimeout}
}

// Deps are the ports the router drives. Risk, Intent, Sentiment, Templates and
// Sessions are required; Sink and LLM are optional.
type Deps struct {
	Risk      classify.RiskClassifier
	Intent    classify.IntentClassifier
	Sentiment classify.SentimentClassifier
	Templates selector.TemplateStore
	Sessions  session.Store
	// Sink receives step responses, risk events and audit records. A nil sink
	// degrades persistence but never blocks a reply.
	Sink store.Store
	// LLM powers the optional free-form conversation mode.
	LLM *genai.Client
}

// Router routes one inbound message through the safety gate, the state
// machine, and reply selection. Messages for the same session are serialized;
// different sessions route concurrently.
type Router struct {
	deps   Deps
	fsmCfg fsm.Config
	cfg    Config

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes one session's messages. Entries are reference
// counted so the map shrinks back as sessions go idle.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a router. Required dependencies are checked up front so a
// misconfigured deployment fails at startup, not mid-conversation.
func New(deps Deps, fsmCfg fsm.Config, cfg Config) (*Router, error) {
	switch {
	case deps.Risk == nil:
		return nil, fmt.Errorf("router requires a risk classifier")
	case deps.Intent == nil:
		return nil, fmt.Errorf("router requires an intent classifier")
	case deps.Sentiment == nil:
		return nil, fmt.Errorf("router requires a sentiment classifier")
	case deps.Templates == nil:
		return nil, fmt.Errorf("router requires a template store")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("router requires a session store")
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = DefaultRouteTimeout
	}
	return &Router{
		deps:   deps,
		fsmCfg: fsmCfg,
		cfg:    cfg,
		locks:  make(map[string]*sessionLock),
	}, nil
}

// acquireSession takes the per-session lock, creating the entry on first use.
func (r *Router) acquireSession(sessionID string) *sessionLock {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.refs++
	r.mu.Unlock()
	l.mu.Lock()
	return l
}

// releaseSession unlocks the per-session lock and drops the map entry once no
// caller holds or waits on it.
func (r *Router) releaseSession(sessionID string, l *sessionLock) {
	l.mu.Unlock()
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, sessionID)
	}
	r.mu.Unlock()
}

// Route processes one inbound message and returns the reply plus the updated
// session and audit record. A missing session is created at the welcome step.
func (r *Router) Route(ctx context.Context, sessionID, message string) (models.RouteResult, error) {
	start := time.Now()

	if err := models.ValidateMessage(message); err != nil {
		return models.RouteResult{}, err
	}
	if sessionID == "" {
		sessionID = session.NewID()
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RouteTimeout)
	defer cancel()

	lock := r.acquireSession(sessionID)
	defer r.releaseSession(sessionID, lock)

	sess, err := r.deps.Sessions.Get(sessionID)
	if err != nil {
		slog.Error("Router session lookup failed", "error", err, "session_id", sessionID)
		return models.RouteResult{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess == nil {
		created := session.New(sessionID)
		sess = &created
		slog.Info("Router created session", "session_id", sessionID)
	}

	audit := models.AuditRecord{
		SessionID: sessionID,
		Message:   message,
		FromStep:  sess.CurrentStep,
		ToStep:    sess.CurrentStep,
		CreatedAt: time.Now(),
	}

	// Safety gate. Risk always runs first and a positive result short-circuits
	// everything else: no intent call, no sentiment call, no state change.
	risk := r.deps.Risk.Classify(ctx, message)
	audit.Risk = risk
	if risk.Label == string(models.RiskDetected) {
		reply := selector.CrisisResources()
		audit.Source = models.SourceCrisis
		audit.Reply = reply
		r.persistRiskEvent(sessionID, message, risk)
		return r.finish(sess, audit, reply, start)
	}

	reply, err := r.handleStep(ctx, sess, message, &audit)
	if err != nil {
		if errors.Is(err, models.ErrUnknownStep) {
			slog.Error("Router hit unknown step, replying safely", "session_id", sessionID, "step", sess.CurrentStep)
			audit.Source = models.SourceError
			audit.Degraded = true
			reply = selector.SafeFallback()
			audit.Reply = reply
			return r.finish(sess, audit, reply, start)
		}
		return models.RouteResult{}, err
	}
	audit.Reply = reply
	return r.finish(sess, audit, reply, start)
}

// handleStep dispatches on the session's current step after the safety gate
// has passed.
func (r *Router) handleStep(ctx context.Context, sess *models.Session, message string, audit *models.AuditRecord) (string, error) {
	step := sess.CurrentStep
	if !models.IsValidStep(step) {
		return "", fmt.Errorf("%w: %s", models.ErrUnknownStep, step)
	}

	switch {
	case step == models.StepWelcome:
		return r.handleWelcome(sess, audit)
	case step.IsContent():
		return r.handleContent(ctx, sess, message, audit)
	case step == models.StepSummary:
		return r.handleCompleted(ctx, sess, message, audit)
	case step == models.StepLLMConversation:
		return r.handleLLM(ctx, sess, message, audit)
	default:
		return "", fmt.Errorf("%w: %s", models.ErrUnknownStep, step)
	}
}

// handleWelcome applies the welcome rule: any non-empty message advances, no
// classification beyond the safety gate.
func (r *Router) handleWelcome(sess *models.Session, audit *models.AuditRecord) (string, error) {
	machine := fsm.New(sess, r.fsmCfg)
	decision, err := machine.AdvanceWelcome()
	if err != nil {
		return "", err
	}
	audit.Source = decision.Source
	audit.ToStep = decision.To

	greeting := r.template(models.StepWelcome, selector.CategoryGreeting, sess.ID, models.SentimentNeutral)
	prompt := r.template(decision.To, selector.CategoryPrompt, sess.ID, models.SentimentNeutral)
	return joinParts(greeting, prompt), nil
}

// handleContent classifies the message and applies the content-step
// transition rule.
func (r *Router) handleContent(ctx context.Context, sess *models.Session, message string, audit *models.AuditRecord) (string, error) {
	step := sess.CurrentStep

	// Intent and sentiment are independent reads of the same message; run
	// them concurrently.
	var intentRes, sentimentRes models.ClassificationResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		intentRes = r.deps.Intent.Classify(ctx, message, step)
	}()
	go func() {
		defer wg.Done()
		sentimentRes = r.deps.Sentiment.Classify(ctx, message)
	}()
	wg.Wait()

	audit.Intent = &intentRes
	audit.Sentiment = &sentimentRes
	sentiment := models.Sentiment(sentimentRes.Label)

	machine := fsm.New(sess, r.fsmCfg)
	decision, err := machine.Evaluate(models.Intent(intentRes.Label), intentRes.Confidence, message)
	if err != nil {
		return "", err
	}
	audit.Source = decision.Source
	audit.ToStep = decision.To

	if decision.Response != nil {
		r.persistStepResponse(*decision.Response, audit)
	}

	switch decision.Source {
	case models.SourceClarify:
		return r.template(step, selector.CategoryClarify, sess.ID, sentiment), nil
	case models.SourceForceAdvance:
		bridge := r.template(step, selector.CategoryTransitionUnclear, sess.ID, sentiment)
		return joinParts(bridge, r.stepEntryReply(ctx, sess, decision.To, sentiment)), nil
	default:
		ack := r.template(step, selector.CategoryAcknowledgment, sess.ID, sentiment)
		return joinParts(ack, r.stepEntryReply(ctx, sess, decision.To, sentiment)), nil
	}
}

// stepEntryReply renders the reply text for arriving at a step: the next
// prompt for content steps, or the recap for summary.
func (r *Router) stepEntryReply(ctx context.Context, sess *models.Session, step models.Step, sentiment models.Sentiment) string {
	if step != models.StepSummary {
		return r.template(step, selector.CategoryPrompt, sess.ID, sentiment)
	}

	intro := r.template(models.StepSummary, selector.CategorySummary, sess.ID, sentiment)
	recap := r.recap(ctx, sess.ID)
	return joinParts(intro, recap)
}

// recap renders the stored step answers as the summary body. A generated
// summary is preferred when a model client is wired; the deterministic recap
// is the fallback.
func (r *Router) recap(ctx context.Context, sessionID string) string {
	if r.deps.Sink == nil {
		return ""
	}
	responses, err := r.deps.Sink.GetStepResponses(sessionID)
	if err != nil {
		slog.Warn("Router failed to load step responses for recap", "error", err, "session_id", sessionID)
		return ""
	}
	plain := fsm.Summarize(responses)

	if r.deps.LLM != nil {
		answers := make(map[string]string, len(responses))
		for _, resp := range responses {
			answers[string(resp.Step)] = resp.Text
		}
		generated, err := r.deps.LLM.Summarize(ctx, answers)
		if err == nil && strings.TrimSpace(generated) != "" {
			return generated
		}
		if err != nil {
			slog.Warn("Router summary generation failed, using plain recap", "error", err, "session_id", sessionID)
		}
	}
	return plain
}

// handleCompleted handles messages after the structured conversation has
// finished. When free-form mode is enabled the session hands off to the
// conversation model; otherwise a fixed closing reply repeats.
func (r *Router) handleCompleted(ctx context.Context, sess *models.Session, message string, audit *models.AuditRecord) (string, error) {
	if r.cfg.LLMEnabled && r.deps.LLM != nil {
		sess.CurrentStep = models.StepLLMConversation
		audit.ToStep = models.StepLLMConversation
		return r.handleLLM(ctx, sess, message, audit)
	}
	audit.Source = models.SourceCompleted
	return r.template(models.StepSummary, selector.CategoryCompleted, sess.ID, models.SentimentNeutral), nil
}

// handleLLM routes a message through the free-form conversation model. The
// safety gate has already passed for this message.
func (r *Router) handleLLM(ctx context.Context, sess *models.Session, message string, audit *models.AuditRecord) (string, error) {
	if r.deps.LLM == nil {
		audit.Source = models.SourceCompleted
		return r.template(models.StepSummary, selector.CategoryCompleted, sess.ID, models.SentimentNeutral), nil
	}
	audit.Source = models.SourceLLM

	reply, err := r.deps.LLM.ContinueConversation(ctx, r.llmHistory(sess.ID), message)
	if err != nil {
		slog.Warn("Router free-form reply failed, using closing reply", "error", err, "session_id", sess.ID)
		audit.Source = models.SourceCompleted
		audit.Degraded = true
		return r.template(models.StepSummary, selector.CategoryCompleted, sess.ID, models.SentimentNeutral), nil
	}
	return reply, nil
}

// llmHistory rebuilds the recent turn history for the conversation model from
// the audit trail.
func (r *Router) llmHistory(sessionID string) []genai.Turn {
	if r.deps.Sink == nil {
		return nil
	}
	records, err := r.deps.Sink.GetAuditRecords(sessionID)
	if err != nil {
		slog.Warn("Router failed to load history for conversation model", "error", err, "session_id", sessionID)
		return nil
	}
	if len(records) > llmHistoryWindow {
		records = records[len(records)-llmHistoryWindow:]
	}
	turns := make([]genai.Turn, 0, len(records)*2)
	for _, rec := range records {
		turns = append(turns,
			genai.Turn{Role: "user", Content: rec.Message},
			genai.Turn{Role: "assistant", Content: rec.Reply},
		)
	}
	return turns
}

// finish saves the session, persists the audit record, and builds the result.
// Persistence failures degrade the audit record but never the reply.
func (r *Router) finish(sess *models.Session, audit models.AuditRecord, reply string, start time.Time) (models.RouteResult, error) {
	sess.LastActivityAt = time.Now()
	if err := r.deps.Sessions.Upsert(*sess); err != nil {
		slog.Error("Router session save failed", "error", err, "session_id", sess.ID)
		audit.Degraded = true
	}

	audit.LatencyMS = time.Since(start).Milliseconds()
	if r.deps.Sink != nil {
		// Snapshot the session to the persistence backend so inspection and
		// recovery see the current state even with an in-memory session store.
		if err := r.deps.Sink.SaveSession(*sess); err != nil {
			slog.Warn("Router session snapshot failed", "error", err, "session_id", sess.ID)
			audit.Degraded = true
		}
		if err := r.deps.Sink.AddAuditRecord(audit); err != nil {
			slog.Warn("Router audit persistence failed", "error", err, "session_id", sess.ID)
			audit.Degraded = true
		}
	}

	slog.Info("Router handled message",
		"session_id", sess.ID,
		"from", audit.FromStep,
		"to", audit.ToStep,
		"source", audit.Source,
		"risk", audit.Risk.Label,
		"latency_ms", audit.LatencyMS,
		"degraded", audit.Degraded)

	return models.RouteResult{Reply: reply, Session: *sess, Audit: audit}, nil
}

// persistRiskEvent records a positive risk classification. Best effort: a
// sink failure never delays the crisis reply.
func (r *Router) persistRiskEvent(sessionID, message string, risk models.ClassificationResult) {
	if r.deps.Sink == nil {
		return
	}
	event := models.RiskEvent{
		SessionID:  sessionID,
		Label:      models.RiskLabel(risk.Label),
		Confidence: risk.Confidence,
		Method:     risk.Method,
		Excerpt:    excerpt(message),
		DetectedAt: time.Now(),
	}
	if err := r.deps.Sink.AddRiskEvent(event); err != nil {
		slog.Error("Router risk event persistence failed", "error", err, "session_id", sessionID)
	}
}

// persistStepResponse saves an accepted answer, marking the audit record
// degraded on failure.
func (r *Router) persistStepResponse(resp models.StepResponse, audit *models.AuditRecord) {
	if r.deps.Sink == nil {
		return
	}
	if err := r.deps.Sink.SaveStepResponse(resp); err != nil {
		slog.Warn("Router step response persistence failed", "error", err, "session_id", resp.SessionID, "step", resp.Step)
		audit.Degraded = true
	}
}

// template fetches a reply template, falling back to the safe generic reply
// if the selector errors.
func (r *Router) template(step models.Step, category selector.Category, sessionID string, sentiment models.Sentiment) string {
	text, err := r.deps.Templates.Get(step, category, sessionID, sentiment)
	if err != nil {
		slog.Warn("Router template lookup failed", "error", err, "step", step, "category", category)
		return selector.SafeFallback()
	}
	return text
}

// excerpt truncates a message for the risk event record, never splitting a
// rune.
func excerpt(message string) string {
	const maxExcerpt = 120
	if len(message) <= maxExcerpt {
		return message
	}
	cut := maxExcerpt
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// joinParts joins non-empty reply fragments with a blank line.
func joinParts(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
