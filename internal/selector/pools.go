package selector

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

//go:embed response_pools.json
var defaultPools []byte

// pools maps step -> category -> candidate replies.
type pools map[string]map[string][]string

// loadPools parses the embedded default pools, optionally overridden by a
// JSON file on disk.
func loadPools(path string) (pools, error) {
	data := defaultPools
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read response pools file: %w", err)
		}
		data = fileData
		slog.Debug("Response pools loaded from file", "path", path)
	}

	var p pools
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse response pools: %w", err)
	}
	return p, nil
}

// fallbackPrompts are the last-resort replies per step when a pool is missing.
var fallbackPrompts = map[string]string{
	"welcome":        "G'day! I'm here to have a supportive yarn with you. How are you feeling?",
	"support_people": "Tell me about the people who support you in your life.",
	"strengths":      "What are some things you're good at or proud of?",
	"worries":        "What's been on your mind lately?",
	"goals":          "What's something you'd like to work towards?",
	"summary":        "Thanks for sharing all of that with me today.",
}

// genericFallback is used when even the per-step fallback is missing.
const genericFallback = "Let's keep our yarn going."
