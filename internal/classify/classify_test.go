package classify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aimhi/yarnbot/internal/models"
)

func tierReturning(label string, conf float64) TierFunc {
	return func(context.Context, string) (string, float64, error) {
		return label, conf, nil
	}
}

func tierFailing() TierFunc {
	return func(context.Context, string) (string, float64, error) {
		return "", 0, fmt.Errorf("model unavailable")
	}
}

func testConfig() Config {
	return Config{PrimaryTimeout: time.Second, FallbackTimeout: time.Second, ConfidenceThreshold: 0.3}
}

func TestChainPrimaryAboveThreshold(t *testing.T) {
	r := NewRisk(testConfig(), tierReturning("no_risk", 0.9), tierReturning("risk", 0.99))
	got := r.Classify(context.Background(), "all good")
	if got.Label != "no_risk" || got.Method != models.MethodPrimary {
		t.Errorf("expected primary no_risk, got %+v", got)
	}
}

func TestChainPrimaryUnderThresholdUsesFallback(t *testing.T) {
	// The fallback's own confidence is below the threshold too; tier
	// precedence is strict, so its answer still wins.
	r := NewRisk(testConfig(), tierReturning("no_risk", 0.1), tierReturning("no_risk", 0.05))
	got := r.Classify(context.Background(), "hmm")
	if got.Method != models.MethodFallback {
		t.Errorf("expected fallback method, got %+v", got)
	}
	if got.Confidence != 0.05 {
		t.Errorf("expected fallback confidence reported as-is, got %v", got.Confidence)
	}
}

func TestChainPrimaryFailureUsesFallback(t *testing.T) {
	r := NewRisk(testConfig(), tierFailing(), tierReturning("no_risk", 0.7))
	got := r.Classify(context.Background(), "hello")
	if got.Label != "no_risk" || got.Method != models.MethodFallback {
		t.Errorf("expected fallback result, got %+v", got)
	}
}

func TestRiskDefaultFailsSafe(t *testing.T) {
	r := NewRisk(testConfig(), tierFailing(), tierFailing())
	got := r.Classify(context.Background(), "anything")
	if got.Label != string(models.RiskDetected) {
		t.Errorf("expected fail-safe risk default, got %q", got.Label)
	}
	if got.Method != models.MethodDeterministicDefault {
		t.Errorf("expected deterministic default method, got %s", got.Method)
	}
	if got.Confidence != 0 {
		t.Errorf("expected zero confidence on default, got %v", got.Confidence)
	}
}

func TestRiskDefaultWhenNoTiersConfigured(t *testing.T) {
	r := NewRisk(testConfig(), nil, nil)
	got := r.Classify(context.Background(), "anything")
	if got.Label != string(models.RiskDetected) || got.Method != models.MethodDeterministicDefault {
		t.Errorf("expected fail-safe default with no tiers, got %+v", got)
	}
}

func TestChainPrimaryTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ string) (string, float64, error) {
		select {
		case <-time.After(5 * time.Second):
			return "no_risk", 0.9, nil
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	cfg := Config{PrimaryTimeout: 20 * time.Millisecond, FallbackTimeout: time.Second, ConfidenceThreshold: 0.3}
	r := NewRisk(cfg, slow, tierReturning("no_risk", 0.8))
	got := r.Classify(context.Background(), "slow path")
	if got.Method != models.MethodFallback {
		t.Errorf("expected timed-out primary to fall through, got %+v", got)
	}
}

func TestIntentDefaultUnclear(t *testing.T) {
	i := NewIntent(testConfig(), nil, nil)
	got := i.Classify(context.Background(), "whatever", models.StepWorries)
	if got.Label != string(models.IntentUnclear) || got.Method != models.MethodDeterministicDefault {
		t.Errorf("expected unclear default, got %+v", got)
	}
}

func TestIntentStepBinding(t *testing.T) {
	var seenStep models.Step
	primary := func(_ context.Context, _ string, step models.Step) (string, float64, error) {
		seenStep = step
		return string(models.IntentWorries), 0.8, nil
	}
	i := NewIntent(testConfig(), primary, nil)
	got := i.Classify(context.Background(), "exams", models.StepWorries)
	if seenStep != models.StepWorries {
		t.Errorf("expected step passed to tier, got %s", seenStep)
	}
	if got.Label != string(models.IntentWorries) || got.Method != models.MethodPrimary {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestSentimentDefaultNeutral(t *testing.T) {
	s := NewSentiment(testConfig(), nil, nil)
	got := s.Classify(context.Background(), "whatever")
	if got.Label != string(models.SentimentNeutral) || got.Method != models.MethodDeterministicDefault {
		t.Errorf("expected neutral default, got %+v", got)
	}
}

func TestKeywordRiskHit(t *testing.T) {
	hits := []string{
		"I want to kill myself",
		"been feeling suicidal lately",
		"I'm going to end my life",
		"everyone would be better off dead without me",
		"thinking about self-harm",
		"i just can't go on",
	}
	for _, text := range hits {
		if !KeywordRiskHit(text) {
			t.Errorf("expected risk hit for %q", text)
		}
	}

	misses := []string{
		"my phone battery is about to die lol",
		"footy training killed me today",
		"I'm worried about my exams",
	}
	for _, text := range misses {
		if KeywordRiskHit(text) {
			t.Errorf("expected no risk hit for %q", text)
		}
	}
}

func TestKeywordRiskLabels(t *testing.T) {
	label, conf := KeywordRisk("I want to end it all")
	if label != string(models.RiskDetected) || conf < 0.9 {
		t.Errorf("expected high-confidence risk, got %s %v", label, conf)
	}
	label, _ = KeywordRisk("hello there")
	if label != string(models.RiskNone) {
		t.Errorf("expected no_risk, got %s", label)
	}
}

func TestKeywordSentiment(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"that is deadly, I love it", string(models.SentimentPositive)},
		{"I'm so stressed and worried", string(models.SentimentNegative)},
		{"it is what it is", string(models.SentimentNeutral)},
		{"", string(models.SentimentNeutral)},
		{"not good at all", string(models.SentimentNegative)},
	}
	for _, c := range cases {
		got, _ := KeywordSentiment(c.text)
		if got != c.want {
			t.Errorf("KeywordSentiment(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestKeywordIntentRefusal(t *testing.T) {
	got, conf := KeywordIntent("nah not really", models.StepSupportPeople)
	if got != string(models.IntentNoSupport) {
		t.Errorf("expected no_support, got %s", got)
	}
	if conf <= 0 {
		t.Errorf("expected positive confidence for refusal, got %v", conf)
	}

	got, _ = KeywordIntent("nobody", models.StepGoals)
	if got != string(models.IntentNoGoals) {
		t.Errorf("expected no_goals, got %s", got)
	}
}

func TestKeywordIntentTopicByStep(t *testing.T) {
	got, _ := KeywordIntent("my mum and my cousins help me out", models.StepSupportPeople)
	if got != string(models.IntentSupportPeople) {
		t.Errorf("expected support_people, got %s", got)
	}

	got, _ = KeywordIntent("I'm stressed about money", models.StepWorries)
	if got != string(models.IntentWorries) {
		t.Errorf("expected worries, got %s", got)
	}
}

func TestKeywordIntentGreetingAndUnclear(t *testing.T) {
	got, _ := KeywordIntent("hey there", models.StepWelcome)
	if got != string(models.IntentGreeting) {
		t.Errorf("expected greeting, got %s", got)
	}

	got, conf := KeywordIntent("xyzzy plugh", models.StepStrengths)
	if got != string(models.IntentUnclear) || conf != 0 {
		t.Errorf("expected unclear with zero confidence, got %s %v", got, conf)
	}
}
