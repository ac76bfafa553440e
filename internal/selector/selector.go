// Package selector chooses reply templates from curated pools: varied across
// turns within a session, tone-matched to the user's sentiment, and never the
// source of a structural routing decision.
package selector

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"github.com/aimhi/yarnbot/internal/models"
)

// Category identifies the kind of reply requested for a step.
type Category string

const (
	CategoryGreeting          Category = "greeting"
	CategoryAcknowledgment    Category = "acknowledgment"
	CategoryClarify           Category = "clarify"
	CategoryTransitionUnclear Category = "transition_unclear"
	CategoryPrompt            Category = "prompt"
	CategorySummary           Category = "summary"
	CategoryCompleted         Category = "completed"
	CategoryFallback          Category = "general"
)

// TemplateStore is the response template port the router depends on.
type TemplateStore interface {
	// Get returns one template for (step, category), varying the choice per
	// session and matching tone to the given sentiment.
	Get(step models.Step, category Category, sessionID string, sentiment models.Sentiment) (string, error)
}

// maxHistory is how many recent choices per (session, step, category) are
// remembered to avoid repetition.
const maxHistory = 3

// PoolSelector implements TemplateStore over JSON response pools.
type PoolSelector struct {
	pools   pools
	mu      sync.Mutex
	history map[string][]string
	rng     *rand.Rand
}

// Option configures a PoolSelector.
type Option func(*options)

type options struct {
	poolsPath string
	seed      int64
	seedSet   bool
}

// WithPoolsFile overrides the embedded default pools with a JSON file.
func WithPoolsFile(path string) Option {
	return func(o *options) { o.poolsPath = path }
}

// WithSeed fixes the random source (for tests).
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed; o.seedSet = true }
}

// New creates a PoolSelector from the embedded pools or a file override.
func New(opts ...Option) (*PoolSelector, error) {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	p, err := loadPools(cfg.poolsPath)
	if err != nil {
		return nil, err
	}

	src := rand.NewSource(rand.Int63())
	if cfg.seedSet {
		src = rand.NewSource(cfg.seed)
	}
	slog.Debug("PoolSelector initialized", "steps", len(p), "pools_file", cfg.poolsPath)
	return &PoolSelector{
		pools:   p,
		history: make(map[string][]string),
		rng:     rand.New(src),
	}, nil
}

// Get selects one template from the (step, category) pool, avoiding the
// session's recently used choices and weighting by sentiment.
func (s *PoolSelector) Get(step models.Step, category Category, sessionID string, sentiment models.Sentiment) (string, error) {
	pool := s.lookup(string(step), string(category))
	if len(pool) == 0 {
		fb := fallbackPrompts[string(step)]
		if fb == "" {
			fb = genericFallback
		}
		slog.Debug("PoolSelector pool missing, using fallback", "step", step, "category", category)
		return fb, nil
	}
	if len(pool) == 1 {
		return pool[0], nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%s|%s", sessionID, step, category)
	used := s.history[key]

	available := make([]string, 0, len(pool))
	for _, candidate := range pool {
		if !contains(used, candidate) {
			available = append(available, candidate)
		}
	}
	// All choices exhausted: reset the window and use the full pool again.
	if len(available) == 0 {
		available = pool
		s.history[key] = nil
		used = nil
	}

	selected := s.selectBySentiment(available, sentiment)

	if sessionID != "" {
		used = append(used, selected)
		if len(used) > maxHistory {
			used = used[1:]
		}
		s.history[key] = used
	}
	return selected, nil
}

func (s *PoolSelector) lookup(step, category string) []string {
	cat, ok := s.pools[step]
	if !ok {
		return nil
	}
	return cat[category]
}

// Tone-matching word lists: candidates containing them get triple weight for
// the corresponding sentiment.
var (
	enthusiasticWords = []string{"great", "wonderful", "awesome", "deadly", "love"}
	empatheticWords   = []string{"hear you", "tough", "difficult", "okay", "no pressure", "take your time"}
)

// selectBySentiment picks a candidate, preferring enthusiastic phrasing for
// positive sentiment and empathetic phrasing for negative. Neutral sentiment
// is a uniform pick. Sentiment only shifts tone; it never changes what kind
// of reply is being given.
func (s *PoolSelector) selectBySentiment(candidates []string, sentiment models.Sentiment) string {
	var toneWords []string
	switch sentiment {
	case models.SentimentPositive:
		toneWords = enthusiasticWords
	case models.SentimentNegative:
		toneWords = empatheticWords
	default:
		return candidates[s.rng.Intn(len(candidates))]
	}

	weighted := make([]string, 0, len(candidates)*3)
	for _, candidate := range candidates {
		weight := 1
		lower := strings.ToLower(candidate)
		for _, word := range toneWords {
			if strings.Contains(lower, word) {
				weight = 3
				break
			}
		}
		for i := 0; i < weight; i++ {
			weighted = append(weighted, candidate)
		}
	}
	return weighted[s.rng.Intn(len(weighted))]
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// crisisResources is the fixed crisis reply. Deliberately not templated and
// not varied: every risk detection shows the same complete block.
const crisisResources = `It sounds like things are really heavy right now. You don't have to go through this alone.

Please reach out to someone who can support you right away:
- 13YARN (for Aboriginal and Torres Strait Islander people): 13 92 76, 24/7
- Lifeline: 13 11 14, 24/7
- Kids Helpline (ages 5-25): 1800 55 1800, 24/7
- If you are in immediate danger, call 000

If you can, let someone you trust know how you're feeling. You matter.`

// CrisisResources returns the fixed crisis-resources block.
func CrisisResources() string {
	return crisisResources
}

// SafeFallback returns the generic error reply used when routing hits an
// internal invariant violation.
func SafeFallback() string {
	return "Sorry, something went wrong on my end. Please try again."
}
