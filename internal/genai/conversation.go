package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
)

// summarySystemPrompt guides the model when phrasing the conversation recap.
const summarySystemPrompt = `You are a warm, supportive chat companion for young people.
You are given the answers a user shared during a structured supportive yarn:
who supports them, their strengths, their worries, and their goals.
Write a short, encouraging recap (3-4 sentences) reflecting their answers back to them.
Use plain, friendly language. Do not give clinical advice. Do not invent details.`

// conversationSystemPrompt guides the optional free-form follow-up mode.
const conversationSystemPrompt = `You are a warm, supportive chat companion for young people.
The structured part of the yarn is finished; now you are having an open, supportive chat.
Keep replies brief and caring. Never diagnose, never give clinical or medication advice.
If the user seems to be in crisis, encourage them to contact a crisis line.`

// Turn is one prior exchange in the free-form conversation history.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Summarize phrases a recap of the four step answers. Answer keys are the
// step names; empty answers are skipped.
func (c *Client) Summarize(ctx context.Context, answers map[string]string) (string, error) {
	var b strings.Builder
	for _, key := range []string{"support_people", "strengths", "worries", "goals"} {
		if answers[key] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", key, answers[key])
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no answers to summarize")
	}
	return c.Generate(ctx, summarySystemPrompt, b.String())
}

// ContinueConversation generates one free-form supportive reply given recent
// history and the latest user message.
func (c *Client) ContinueConversation(ctx context.Context, history []Turn, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(conversationSystemPrompt))
	for _, turn := range history {
		if turn.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(message))

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI conversation turn failed", "error", err, "latency", time.Since(start))
		return "", fmt.Errorf("conversation completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
