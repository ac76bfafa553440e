// Package genai provides LLM-backed operations using the OpenAI API.
//
// It is used by the classifier model tiers, the conversation summary
// generator, and the optional free-form follow-up mode.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration constants.
const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = string(openai.ChatModelGPT4o)
	// DefaultFallbackModel is the cheaper model used by fallback tiers.
	DefaultFallbackModel = string(openai.ChatModelGPT4oMini)
	// DefaultTimeout bounds a single completion call.
	DefaultTimeout = 10 * time.Second
	// classifyMaxTokens caps label-classification completions.
	classifyMaxTokens = 100
)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	Timeout       time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL sets a custom API base URL (e.g., a local gateway).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the primary chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithFallbackModel sets the model used by fallback classifier tiers.
func WithFallbackModel(model string) Option {
	return func(o *Opts) { o.FallbackModel = model }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client        openai.Client
	model         string
	fallbackModel string
	timeout       time.Duration
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = DefaultFallbackModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	slog.Debug("GenAI client configured", "model", cfg.Model, "fallback_model", cfg.FallbackModel, "base_url_set", cfg.BaseURL != "")

	return &Client{
		client:        openai.NewClient(reqOpts...),
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		timeout:       cfg.Timeout,
	}, nil
}

// Model returns the configured primary model name.
func (c *Client) Model() string { return c.model }

// FallbackModel returns the configured fallback model name.
func (c *Client) FallbackModel() string { return c.fallbackModel }

// Generate runs one completion with the primary model.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithModel(ctx, c.model, systemPrompt, userPrompt)
}

// GenerateWithModel runs one completion with an explicit model.
func (c *Client) GenerateWithModel(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		slog.Error("GenAI completion failed", "model", model, "error", err, "latency", time.Since(start))
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	slog.Debug("GenAI completion succeeded", "model", model, "latency", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

// labelPayload is the JSON shape classifier prompts ask the model to emit.
type labelPayload struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ClassifyLabel runs a low-temperature completion that must answer with a
// JSON object {"label": ..., "confidence": ...} and parses it. Malformed
// output is an error so the caller's tier chain can advance.
func (c *Client) ClassifyLabel(ctx context.Context, model, systemPrompt, userPrompt string) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0.1),
		MaxTokens:   openai.Int(classifyMaxTokens),
	})
	if err != nil {
		slog.Error("GenAI classification failed", "model", model, "error", err, "latency", time.Since(start))
		return "", 0, fmt.Errorf("classification completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("no choices returned")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	// Models occasionally fence the JSON; strip markdown fences before parsing.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload labelPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		slog.Warn("GenAI classification returned malformed JSON", "model", model, "content_length", len(content), "error", err)
		return "", 0, fmt.Errorf("malformed classification output: %w", err)
	}
	if payload.Label == "" {
		return "", 0, fmt.Errorf("classification output missing label")
	}
	slog.Debug("GenAI classification succeeded", "model", model, "label", payload.Label, "confidence", payload.Confidence, "latency", time.Since(start))
	return payload.Label, payload.Confidence, nil
}
