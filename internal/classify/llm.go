// LLM model tiers and the production classifier constructors.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aimhi/yarnbot/internal/genai"
	"github.com/aimhi/yarnbot/internal/models"
)

const riskSystemPrompt = `You are a safety classifier for a youth support chat.
Decide whether the user's message contains any indication of self-harm, suicidal
ideation, or crisis. Respond with ONLY a JSON object:
{"label": "risk" or "no_risk", "confidence": 0.0-1.0}
When in doubt, label it "risk".`

const sentimentSystemPrompt = `You classify the emotional tone of one short chat message
from a young person. Respond with ONLY a JSON object:
{"label": "positive" or "neutral" or "negative", "confidence": 0.0-1.0}`

const intentSystemPromptTemplate = `You classify the intent of one short message in a
structured supportive chat. The user is currently being asked about: %s.
Valid labels: greeting, question, affirmative, negative, support_people, strengths,
worries, goals, no_support, no_strengths, no_worries, no_goals, unclear.
A user saying they have nothing to share for the current topic gets the matching
no_* label. Respond with ONLY a JSON object:
{"label": "<label>", "confidence": 0.0-1.0}`

// stepDescriptions phrase the step context for the intent prompt.
var stepDescriptions = map[models.Step]string{
	models.StepWelcome:       "a greeting to start the chat",
	models.StepSupportPeople: "the people who support them (family, friends, community)",
	models.StepStrengths:     "their strengths, things they are good at or proud of",
	models.StepWorries:       "their worries or things on their mind",
	models.StepGoals:         "their goals or what they want to work towards",
}

var validIntentLabels = map[string]bool{
	string(models.IntentGreeting): true, string(models.IntentQuestion): true,
	string(models.IntentAffirmative): true, string(models.IntentNegative): true,
	string(models.IntentSupportPeople): true, string(models.IntentStrengths): true,
	string(models.IntentWorries): true, string(models.IntentGoals): true,
	string(models.IntentNoSupport): true, string(models.IntentNoStrengths): true,
	string(models.IntentNoWorries): true, string(models.IntentNoGoals): true,
	string(models.IntentUnclear): true,
}

// NewRiskClassifier wires the production risk chain: a keyword screen fused
// into the primary LLM tier (a lexical hit short-circuits without a network
// call), a cheaper LLM model as fallback, and the fail-safe default. With a
// nil client the keyword screen is the only model tier; that degraded mode is
// logged visibly at construction.
func NewRiskClassifier(client *genai.Client, cfg Config) *Risk {
	if client == nil {
		slog.Warn("Risk classifier running degraded: no LLM configured, keyword screen only")
		return NewRisk(cfg, keywordRiskTier, nil)
	}

	primary := func(ctx context.Context, text string) (string, float64, error) {
		if KeywordRiskHit(text) {
			return string(models.RiskDetected), 0.95, nil
		}
		return classifyRiskLabel(ctx, client, client.Model(), text)
	}
	fallback := func(ctx context.Context, text string) (string, float64, error) {
		return classifyRiskLabel(ctx, client, client.FallbackModel(), text)
	}
	return NewRisk(cfg, primary, fallback)
}

func keywordRiskTier(ctx context.Context, text string) (string, float64, error) {
	label, conf := KeywordRisk(text)
	return label, conf, nil
}

func classifyRiskLabel(ctx context.Context, client *genai.Client, model, text string) (string, float64, error) {
	label, conf, err := client.ClassifyLabel(ctx, model, riskSystemPrompt, userMessagePrompt(text))
	if err != nil {
		return "", 0, err
	}
	if label != string(models.RiskDetected) && label != string(models.RiskNone) {
		return "", 0, fmt.Errorf("invalid risk label %q", label)
	}
	return label, conf, nil
}

// NewIntentClassifier wires the production intent chain: zero-shot LLM
// labeling with step context as primary, keyword matching as fallback. With a
// nil client the keyword matcher is promoted to primary.
func NewIntentClassifier(client *genai.Client, cfg Config) *Intent {
	keywordTier := func(ctx context.Context, text string, step models.Step) (string, float64, error) {
		label, conf := KeywordIntent(text, step)
		return label, conf, nil
	}
	if client == nil {
		slog.Warn("Intent classifier running degraded: no LLM configured, keyword matcher only")
		return NewIntent(cfg, keywordTier, nil)
	}

	primary := func(ctx context.Context, text string, step models.Step) (string, float64, error) {
		desc := stepDescriptions[step]
		if desc == "" {
			desc = "an open supportive chat"
		}
		system := fmt.Sprintf(intentSystemPromptTemplate, desc)
		label, conf, err := client.ClassifyLabel(ctx, client.Model(), system, userMessagePrompt(text))
		if err != nil {
			return "", 0, err
		}
		if !validIntentLabels[label] {
			return "", 0, fmt.Errorf("invalid intent label %q", label)
		}
		return label, conf, nil
	}
	return NewIntent(cfg, primary, keywordTier)
}

// NewSentimentClassifier wires the production sentiment chain: LLM primary,
// keyword matcher with negation handling as fallback.
func NewSentimentClassifier(client *genai.Client, cfg Config) *Sentiment {
	keywordTier := func(ctx context.Context, text string) (string, float64, error) {
		label, conf := KeywordSentiment(text)
		return label, conf, nil
	}
	if client == nil {
		slog.Warn("Sentiment classifier running degraded: no LLM configured, keyword matcher only")
		return NewSentiment(cfg, keywordTier, nil)
	}

	primary := func(ctx context.Context, text string) (string, float64, error) {
		label, conf, err := client.ClassifyLabel(ctx, client.Model(), sentimentSystemPrompt, userMessagePrompt(text))
		if err != nil {
			return "", 0, err
		}
		switch label {
		case string(models.SentimentPositive), string(models.SentimentNeutral), string(models.SentimentNegative):
			return label, conf, nil
		default:
			return "", 0, fmt.Errorf("invalid sentiment label %q", label)
		}
	}
	return NewSentiment(cfg, primary, keywordTier)
}

func userMessagePrompt(text string) string {
	return fmt.Sprintf("Message: %q", strings.TrimSpace(text))
}
