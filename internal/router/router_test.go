package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/aimhi/yarnbot/internal/fsm"
	"github.com/aimhi/yarnbot/internal/models"
	"github.com/aimhi/yarnbot/internal/selector"
	"github.com/aimhi/yarnbot/internal/session"
	"github.com/aimhi/yarnbot/internal/store"
	"github.com/aimhi/yarnbot/internal/testutil"
)

type testFixture struct {
	router    *Router
	risk      *testutil.ScriptedRisk
	intent    *testutil.ScriptedIntent
	sentiment *testutil.ScriptedSentiment
	sessions  *session.MemoryStore
	sink      store.Store
}

func newFixture(t *testing.T, sink store.Store) *testFixture {
	t.Helper()
	risk := testutil.NoRisk()
	intent := &testutil.ScriptedIntent{}
	sentiment := testutil.NeutralSentiment()

	templates, err := selector.New(selector.WithSeed(7))
	if err != nil {
		t.Fatalf("failed to create selector: %v", err)
	}
	sessions := session.NewMemoryStore()

	rt, err := New(Deps{
		Risk:      risk,
		Intent:    intent,
		Sentiment: sentiment,
		Templates: templates,
		Sessions:  sessions,
		Sink:      sink,
	}, fsm.DefaultConfig(), DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}
	return &testFixture{router: rt, risk: risk, intent: intent, sentiment: sentiment, sessions: sessions, sink: sink}
}

// advancePastWelcome routes the first message so the session sits at
// support_people.
func (f *testFixture) advancePastWelcome(t *testing.T, sessionID string) {
	t.Helper()
	result, err := f.router.Route(context.Background(), sessionID, "hi")
	if err != nil {
		t.Fatalf("welcome route failed: %v", err)
	}
	if result.Session.CurrentStep != models.StepSupportPeople {
		t.Fatalf("expected session at support_people after welcome, got %s", result.Session.CurrentStep)
	}
}

func TestRouteValidation(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	if _, err := f.router.Route(context.Background(), "s1", "   "); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	long := strings.Repeat("a", models.MaxMessageLength+1)
	if _, err := f.router.Route(context.Background(), "s1", long); !errors.Is(err, models.ErrMessageTooLong) {
		t.Errorf("expected ErrMessageTooLong, got %v", err)
	}
}

func TestRouteCreatesSessionAndAdvancesWelcome(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())

	result, err := f.router.Route(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Session.ID == "" {
		t.Error("expected a generated session ID")
	}
	if result.Session.CurrentStep != models.StepSupportPeople {
		t.Errorf("expected advance to support_people, got %s", result.Session.CurrentStep)
	}
	if result.Audit.Source != models.SourceWelcome {
		t.Errorf("expected welcome source, got %s", result.Audit.Source)
	}
	if result.Reply == "" {
		t.Error("expected a greeting reply")
	}
	// Welcome never calls the intent or sentiment classifiers.
	if f.intent.Calls != 0 || f.sentiment.Calls != 0 {
		t.Errorf("expected no intent/sentiment calls at welcome, got %d/%d", f.intent.Calls, f.sentiment.Calls)
	}
}

func TestRouteRiskShortCircuits(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	f.risk.Result = models.ClassificationResult{Label: string(models.RiskDetected), Confidence: 0.95, Method: models.MethodPrimary}
	f.intent.Calls, f.sentiment.Calls = 0, 0

	result, err := f.router.Route(context.Background(), "s1", "I can't go on")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceCrisis {
		t.Errorf("expected crisis source, got %s", result.Audit.Source)
	}
	if result.Reply != selector.CrisisResources() {
		t.Error("expected the fixed crisis resources reply")
	}
	// Risk priority: no classification beyond the gate, no state change.
	if f.intent.Calls != 0 || f.sentiment.Calls != 0 {
		t.Errorf("expected no intent/sentiment calls on risk, got %d/%d", f.intent.Calls, f.sentiment.Calls)
	}
	if result.Session.CurrentStep != models.StepSupportPeople {
		t.Errorf("expected step unchanged on risk, got %s", result.Session.CurrentStep)
	}
	if result.Audit.Intent != nil || result.Audit.Sentiment != nil {
		t.Error("expected nil intent/sentiment on crisis audit record")
	}

	events, err := f.sink.GetRiskEvents("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 risk event, got %d", len(events))
	}
	if events[0].Label != models.RiskDetected {
		t.Errorf("unexpected risk event: %+v", events[0])
	}
}

func TestRouteTopicalAnswerAdvances(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	f.intent.Results = []models.ClassificationResult{testutil.IntentResult(models.IntentSupportPeople, 0.8)}
	result, err := f.router.Route(context.Background(), "s1", "my mum and my aunty")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceAdvance {
		t.Errorf("expected advance, got %s", result.Audit.Source)
	}
	if result.Session.CurrentStep != models.StepStrengths {
		t.Errorf("expected session at strengths, got %s", result.Session.CurrentStep)
	}
	if result.Audit.Intent == nil || result.Audit.Intent.Label != string(models.IntentSupportPeople) {
		t.Errorf("expected intent recorded on audit, got %+v", result.Audit.Intent)
	}

	responses, err := f.sink.GetStepResponses("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0].Text != "my mum and my aunty" {
		t.Fatalf("expected stored answer, got %+v", responses)
	}
}

func TestRouteClarifyThenForceAdvance(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	f.intent.Results = []models.ClassificationResult{{Label: string(models.IntentUnclear), Confidence: 0, Method: models.MethodDeterministicDefault}}

	result, err := f.router.Route(context.Background(), "s1", "???")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceClarify {
		t.Fatalf("expected clarify on first unclear answer, got %s", result.Audit.Source)
	}
	if result.Session.CurrentStep != models.StepSupportPeople {
		t.Errorf("expected machine to hold, got %s", result.Session.CurrentStep)
	}

	result, err = f.router.Route(context.Background(), "s1", "still dunno")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceForceAdvance {
		t.Fatalf("expected force_advance at the attempt bound, got %s", result.Audit.Source)
	}
	if result.Session.CurrentStep != models.StepStrengths {
		t.Errorf("expected one step forward, got %s", result.Session.CurrentStep)
	}

	responses, err := f.sink.GetStepResponses("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || !responses[0].ForceAccepted {
		t.Fatalf("expected force-accepted answer stored, got %+v", responses)
	}
	if responses[0].Text != "still dunno" {
		t.Errorf("expected the raw final message stored, got %q", responses[0].Text)
	}
}

func TestRouteNegativeDisclosureFastPath(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	f.intent.Results = []models.ClassificationResult{testutil.IntentResult(models.IntentNoSupport, 0.2)}
	result, err := f.router.Route(context.Background(), "s1", "nobody really")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceNegativeAccept {
		t.Errorf("expected negative_accept, got %s", result.Audit.Source)
	}
	if result.Session.CurrentStep != models.StepStrengths {
		t.Errorf("expected immediate advance, got %s", result.Session.CurrentStep)
	}
}

func TestRouteFullConversationReachesSummary(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	answers := []struct {
		intent models.Intent
		text   string
	}{
		{models.IntentSupportPeople, "my mum"},
		{models.IntentStrengths, "footy"},
		{models.IntentWorries, "exams"},
		{models.IntentGoals, "finish school"},
	}

	var result models.RouteResult
	var err error
	for i, a := range answers {
		f.intent.Results = []models.ClassificationResult{testutil.IntentResult(a.intent, 0.8)}
		f.intent.Calls = 0
		result, err = f.router.Route(context.Background(), "s1", a.text)
		if err != nil {
			t.Fatalf("Route %d failed: %v", i, err)
		}
	}

	if result.Session.CurrentStep != models.StepSummary {
		t.Fatalf("expected session at summary, got %s", result.Session.CurrentStep)
	}
	if !result.Session.Completed {
		t.Error("expected session marked completed")
	}
	for _, want := range []string{"my mum", "footy", "exams", "finish school"} {
		if !strings.Contains(result.Reply, want) {
			t.Errorf("expected recap to contain %q, reply: %q", want, result.Reply)
		}
	}
}

func TestRouteClassifiesIntentAndSentimentIndependently(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	// Sentiment collapses to its deterministic default while intent accepts:
	// neither result leaks into the other, and both land on the audit record
	// exactly as classified.
	f.intent.Results = []models.ClassificationResult{testutil.IntentResult(models.IntentSupportPeople, 0.8)}
	f.sentiment.Results = []models.ClassificationResult{{
		Label:      string(models.SentimentNeutral),
		Confidence: 0,
		Method:     models.MethodDeterministicDefault,
	}}

	result, err := f.router.Route(context.Background(), "s1", "my mum helps me out")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceAdvance {
		t.Errorf("expected advance despite sentiment default, got %s", result.Audit.Source)
	}
	if got := result.Audit.Intent; got == nil || got.Label != string(models.IntentSupportPeople) || got.Confidence != 0.8 || got.Method != models.MethodPrimary {
		t.Errorf("intent result altered on audit: %+v", got)
	}
	if got := result.Audit.Sentiment; got == nil || got.Label != string(models.SentimentNeutral) || got.Confidence != 0 || got.Method != models.MethodDeterministicDefault {
		t.Errorf("sentiment result altered on audit: %+v", got)
	}
	// Both ports see the raw message, not each other's output.
	if n := len(f.intent.Messages); n == 0 || f.intent.Messages[n-1] != "my mum helps me out" {
		t.Errorf("intent classifier did not receive the raw message: %v", f.intent.Messages)
	}
	if n := len(f.sentiment.Messages); n == 0 || f.sentiment.Messages[n-1] != "my mum helps me out" {
		t.Errorf("sentiment classifier did not receive the raw message: %v", f.sentiment.Messages)
	}

	// And the mirror case: intent collapses while sentiment is a confident
	// primary read.
	f.intent.Results = []models.ClassificationResult{{
		Label:      string(models.IntentUnclear),
		Confidence: 0,
		Method:     models.MethodDeterministicDefault,
	}}
	f.sentiment.Results = []models.ClassificationResult{{
		Label:      string(models.SentimentPositive),
		Confidence: 0.9,
		Method:     models.MethodPrimary,
	}}
	result, err = f.router.Route(context.Background(), "s1", "all good")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceClarify {
		t.Errorf("expected clarify on intent default, got %s", result.Audit.Source)
	}
	if got := result.Audit.Sentiment; got == nil || got.Label != string(models.SentimentPositive) || got.Confidence != 0.9 {
		t.Errorf("sentiment result altered on audit: %+v", got)
	}
}

func TestRouteAffirmativeAnswerAdvances(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")

	f.intent.Results = []models.ClassificationResult{testutil.IntentResult(models.IntentAffirmative, 0.9)}
	result, err := f.router.Route(context.Background(), "s1", "yes, my mates mostly")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceAdvance {
		t.Errorf("expected advance for confident affirmative, got %s", result.Audit.Source)
	}
	if result.Session.CurrentStep != models.StepStrengths {
		t.Errorf("expected session at strengths, got %s", result.Session.CurrentStep)
	}
}

func TestSessionLocksReleasedAfterRoute(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())
	f.advancePastWelcome(t, "s1")
	f.advancePastWelcome(t, "s2")

	f.router.mu.Lock()
	n := len(f.router.locks)
	f.router.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no lingering session locks, got %d", n)
	}
}

func TestExcerptKeepsRuneBoundary(t *testing.T) {
	short := "just a short message"
	if got := excerpt(short); got != short {
		t.Errorf("expected short message unchanged, got %q", got)
	}

	long := strings.Repeat("a", 119) + "🙂🙂"
	got := excerpt(long)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt split a rune: %q", got)
	}
	if got != strings.Repeat("a", 119) {
		t.Errorf("expected truncation before the split rune, got %d bytes", len(got))
	}
}

func TestRouteCompletedSessionGetsClosingReply(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())

	sess := session.New("s1")
	sess.CurrentStep = models.StepSummary
	sess.Completed = true
	if err := f.sessions.Upsert(sess); err != nil {
		t.Fatal(err)
	}

	result, err := f.router.Route(context.Background(), "s1", "hey again")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Audit.Source != models.SourceCompleted {
		t.Errorf("expected completed source without free-form mode, got %s", result.Audit.Source)
	}
	if result.Session.CurrentStep != models.StepSummary {
		t.Errorf("expected session to stay at summary, got %s", result.Session.CurrentStep)
	}
	// Risk still gates completed sessions.
	f.risk.Result = models.ClassificationResult{Label: string(models.RiskDetected), Confidence: 0.9, Method: models.MethodPrimary}
	result, err = f.router.Route(context.Background(), "s1", "it's all too much")
	if err != nil {
		t.Fatal(err)
	}
	if result.Audit.Source != models.SourceCrisis {
		t.Errorf("expected crisis source after completion, got %s", result.Audit.Source)
	}
}

func TestRouteUnknownStepRepliesSafely(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore())

	sess := session.New("s1")
	sess.CurrentStep = models.Step("corrupted")
	if err := f.sessions.Upsert(sess); err != nil {
		t.Fatal(err)
	}

	result, err := f.router.Route(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("expected safe reply, got error: %v", err)
	}
	if result.Audit.Source != models.SourceError {
		t.Errorf("expected error source, got %s", result.Audit.Source)
	}
	if result.Reply != selector.SafeFallback() {
		t.Errorf("expected safe fallback reply, got %q", result.Reply)
	}
	if !result.Audit.Degraded {
		t.Error("expected audit marked degraded")
	}
}

// failingAuditStore fails audit writes but behaves normally otherwise.
type failingAuditStore struct {
	*store.InMemoryStore
}

func (f *failingAuditStore) AddAuditRecord(models.AuditRecord) error {
	return fmt.Errorf("audit backend down")
}

func TestRouteAuditFailureDegradesNotFails(t *testing.T) {
	f := newFixture(t, &failingAuditStore{store.NewInMemoryStore()})

	result, err := f.router.Route(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("expected reply despite audit failure, got error: %v", err)
	}
	if result.Reply == "" {
		t.Error("expected a reply")
	}
	if !result.Audit.Degraded {
		t.Error("expected audit marked degraded after sink failure")
	}
}

func TestRouteWithoutSink(t *testing.T) {
	f := newFixture(t, nil)
	f.advancePastWelcome(t, "s1")

	f.intent.Results = []models.ClassificationResult{testutil.IntentResult(models.IntentSupportPeople, 0.8)}
	result, err := f.router.Route(context.Background(), "s1", "my mum")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Session.CurrentStep != models.StepStrengths {
		t.Errorf("expected advance without persistence backend, got %s", result.Session.CurrentStep)
	}
}

func TestRouteAuditPersisted(t *testing.T) {
	sink := store.NewInMemoryStore()
	f := newFixture(t, sink)
	f.advancePastWelcome(t, "s1")

	records, err := sink.GetAuditRecords("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	rec := records[0]
	if rec.FromStep != models.StepWelcome || rec.ToStep != models.StepSupportPeople {
		t.Errorf("unexpected audit transition: %s -> %s", rec.FromStep, rec.ToStep)
	}
	if rec.Risk.Label != string(models.RiskNone) {
		t.Errorf("expected risk recorded, got %+v", rec.Risk)
	}
	if rec.Reply == "" || rec.Message != "hi" {
		t.Errorf("unexpected audit payload: %+v", rec)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	templates, err := selector.New(selector.WithSeed(1))
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(Deps{
		Intent:    &testutil.ScriptedIntent{},
		Sentiment: testutil.NeutralSentiment(),
		Templates: templates,
		Sessions:  session.NewMemoryStore(),
	}, fsm.DefaultConfig(), DefaultConfig())
	if err == nil {
		t.Error("expected error when risk classifier missing")
	}
}
