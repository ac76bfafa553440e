// Package classify implements the tiered classification ports used by the
// router: risk, intent, and sentiment.
//
// Each port tries a primary model, then a fallback model, then a fixed
// deterministic default. Tier precedence is strict: a fallback result is used
// whenever the primary tier failed, timed out, or came back under the
// configured confidence threshold, regardless of the fallback's own
// confidence. Model failures never surface to the caller; they only advance
// the chain.
package classify

import (
	"context"
	"log/slog"
	"time"

	"github.com/aimhi/yarnbot/internal/models"
)

// Config holds the per-classifier tier timeouts and confidence threshold.
type Config struct {
	// PrimaryTimeout bounds the primary model call.
	PrimaryTimeout time.Duration
	// FallbackTimeout bounds the fallback model call.
	FallbackTimeout time.Duration
	// ConfidenceThreshold is the minimum primary confidence accepted before
	// falling through to the fallback tier.
	ConfidenceThreshold float64
}

// DefaultIntentConfig returns the default intent classifier configuration.
func DefaultIntentConfig() Config {
	return Config{PrimaryTimeout: 800 * time.Millisecond, FallbackTimeout: 800 * time.Millisecond, ConfidenceThreshold: 0.3}
}

// DefaultSentimentConfig returns the default sentiment classifier configuration.
func DefaultSentimentConfig() Config {
	return Config{PrimaryTimeout: 800 * time.Millisecond, FallbackTimeout: 800 * time.Millisecond, ConfidenceThreshold: 0.3}
}

// DefaultRiskConfig returns the default risk classifier configuration. Risk
// may route through a slower reasoning model, so its primary timeout is
// longer than the intent/sentiment ones.
func DefaultRiskConfig() Config {
	return Config{PrimaryTimeout: 3 * time.Second, FallbackTimeout: 2 * time.Second, ConfidenceThreshold: 0.5}
}

// RiskClassifier labels a message as risk or no_risk.
type RiskClassifier interface {
	Classify(ctx context.Context, text string) models.ClassificationResult
}

// IntentClassifier labels the communicative purpose of a message relative to
// the current conversation step.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, step models.Step) models.ClassificationResult
}

// SentimentClassifier labels the emotional valence of a message.
type SentimentClassifier interface {
	Classify(ctx context.Context, text string) models.ClassificationResult
}

// TierFunc is one model attempt in a classification chain.
type TierFunc func(ctx context.Context, text string) (label string, confidence float64, err error)

// chain runs the primary -> fallback -> deterministic default sequence.
type chain struct {
	name     string
	cfg      Config
	primary  TierFunc
	fallback TierFunc
	def      models.ClassificationResult
}

func (c chain) run(ctx context.Context, text string) models.ClassificationResult {
	label, conf, err := runTier(ctx, c.name, "primary", c.cfg.PrimaryTimeout, c.primary, text)
	if err == nil && conf >= c.cfg.ConfidenceThreshold {
		return models.ClassificationResult{Label: label, Confidence: conf, Method: models.MethodPrimary}
	}
	if err == nil {
		slog.Debug("Classifier primary under threshold, trying fallback", "classifier", c.name, "label", label, "confidence", conf, "threshold", c.cfg.ConfidenceThreshold)
	}

	label, conf, err = runTier(ctx, c.name, "fallback", c.cfg.FallbackTimeout, c.fallback, text)
	if err == nil {
		// Fallback wins on success regardless of its own confidence; there is
		// no confidence arbitration between tiers.
		return models.ClassificationResult{Label: label, Confidence: conf, Method: models.MethodFallback}
	}

	slog.Warn("Classifier tiers exhausted, using deterministic default", "classifier", c.name, "default_label", c.def.Label)
	return c.def
}

// errNoTier marks a tier that is not configured (degraded deployments).
type errNoTier struct{}

func (errNoTier) Error() string { return "tier not configured" }

// runTier executes one tier under its own timeout. A hung tier is treated the
// same as a failed one.
func runTier(ctx context.Context, classifier, tier string, timeout time.Duration, fn TierFunc, text string) (string, float64, error) {
	if fn == nil {
		return "", 0, errNoTier{}
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		label string
		conf  float64
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		label, conf, err := fn(tctx, text)
		done <- outcome{label, conf, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			slog.Warn("Classifier tier failed", "classifier", classifier, "tier", tier, "latency", time.Since(start), "error", out.err)
			return "", 0, out.err
		}
		slog.Debug("Classifier tier completed", "classifier", classifier, "tier", tier, "latency", time.Since(start), "label", out.label, "confidence", out.conf)
		return out.label, out.conf, nil
	case <-tctx.Done():
		slog.Warn("Classifier tier timed out", "classifier", classifier, "tier", tier, "timeout", timeout)
		return "", 0, tctx.Err()
	}
}

// Risk is a tiered risk classifier. Its deterministic default is risk: when
// every model tier fails, ambiguity about user safety errs toward showing
// crisis resources, never away from them.
type Risk struct {
	chain chain
}

// NewRisk builds a risk classifier from explicit tier functions.
func NewRisk(cfg Config, primary, fallback TierFunc) *Risk {
	return &Risk{chain: chain{
		name:     "risk",
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		def:      models.ClassificationResult{Label: string(models.RiskDetected), Confidence: 0, Method: models.MethodDeterministicDefault},
	}}
}

// Classify labels text as risk or no_risk.
func (r *Risk) Classify(ctx context.Context, text string) models.ClassificationResult {
	return r.chain.run(ctx, text)
}

// IntentTierFunc is one model attempt for intent, with the current step as
// context for disambiguation.
type IntentTierFunc func(ctx context.Context, text string, step models.Step) (label string, confidence float64, err error)

// Intent is a tiered intent classifier with a deterministic unclear default.
type Intent struct {
	cfg      Config
	primary  IntentTierFunc
	fallback IntentTierFunc
}

// NewIntent builds an intent classifier from explicit tier functions.
func NewIntent(cfg Config, primary, fallback IntentTierFunc) *Intent {
	return &Intent{cfg: cfg, primary: primary, fallback: fallback}
}

// Classify labels the intent of text at the given step.
func (i *Intent) Classify(ctx context.Context, text string, step models.Step) models.ClassificationResult {
	c := chain{
		name:     "intent",
		cfg:      i.cfg,
		primary:  bindStep(i.primary, step),
		fallback: bindStep(i.fallback, step),
		def:      models.ClassificationResult{Label: string(models.IntentUnclear), Confidence: 0, Method: models.MethodDeterministicDefault},
	}
	return c.run(ctx, text)
}

func bindStep(fn IntentTierFunc, step models.Step) TierFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, text string) (string, float64, error) {
		return fn(ctx, text, step)
	}
}

// Sentiment is a tiered sentiment classifier with a deterministic neutral
// default.
type Sentiment struct {
	chain chain
}

// NewSentiment builds a sentiment classifier from explicit tier functions.
func NewSentiment(cfg Config, primary, fallback TierFunc) *Sentiment {
	return &Sentiment{chain: chain{
		name:     "sentiment",
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		def:      models.ClassificationResult{Label: string(models.SentimentNeutral), Confidence: 0, Method: models.MethodDeterministicDefault},
	}}
}

// Classify labels the sentiment of text.
func (s *Sentiment) Classify(ctx context.Context, text string) models.ClassificationResult {
	return s.chain.run(ctx, text)
}
