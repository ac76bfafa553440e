// Keyword tiers: deterministic lexical classification used as fast screens
// and as fallback tiers when no LLM is configured or the model tier fails.
package classify

import (
	"regexp"
	"strings"

	"github.com/aimhi/yarnbot/internal/models"
)

// riskPatterns match self-harm and crisis phrasing. A hit always outranks any
// model opinion.
var riskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bkill(ing)? myself\b`),
	regexp.MustCompile(`\bsuicid(e|al)\b`),
	regexp.MustCompile(`\bend(ing)? my life\b`),
	regexp.MustCompile(`\b(want|wanna|going) to die\b`),
	regexp.MustCompile(`\bbetter off dead\b`),
	regexp.MustCompile(`\bhurt(ing)? myself\b`),
	regexp.MustCompile(`\bself[- ]harm\b`),
	regexp.MustCompile(`\bno reason to live\b`),
	regexp.MustCompile(`\bend it all\b`),
	regexp.MustCompile(`\btake my own life\b`),
	regexp.MustCompile(`\bcan'?t go on\b`),
}

// KeywordRiskHit reports whether the text contains crisis phrasing.
func KeywordRiskHit(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range riskPatterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// KeywordRisk is the rule-based risk screen. A pattern hit is high
// confidence; a miss is a moderate-confidence no_risk.
func KeywordRisk(text string) (string, float64) {
	if KeywordRiskHit(text) {
		return string(models.RiskDetected), 0.95
	}
	return string(models.RiskNone), 0.6
}

var (
	positiveKeywords = []string{
		"good", "great", "happy", "love", "excited", "awesome", "wonderful",
		"amazing", "fantastic", "excellent", "deadly", "stoked", "lit", "sweet",
	}
	negativeKeywords = []string{
		"bad", "sad", "worried", "stressed", "angry", "hate", "terrible",
		"awful", "horrible", "upset", "shame", "crook", "cooked", "mid",
	}
	negationPrefix = `\b(?:not|no|n't|never)\s+\w*\s*`
)

// KeywordSentiment is the rule-based sentiment fallback with word boundaries
// and negation handling. A negated positive counts as negative and vice versa.
func KeywordSentiment(text string) (string, float64) {
	if strings.TrimSpace(text) == "" {
		return string(models.SentimentNeutral), 0.5
	}
	lower := strings.ToLower(text)

	var positiveCount, negativeCount int
	for _, word := range positiveKeywords {
		matches := countWord(lower, word)
		negated := countPattern(lower, negationPrefix+word+`\b`)
		positiveCount += matches - negated
		negativeCount += negated
	}
	for _, word := range negativeKeywords {
		matches := countWord(lower, word)
		negated := countPattern(lower, negationPrefix+word+`\b`)
		negativeCount += matches - negated
		positiveCount += negated
	}

	switch {
	case positiveCount > negativeCount:
		return string(models.SentimentPositive), clamp(float64(positiveCount)*0.3, 1.0)
	case negativeCount > positiveCount:
		return string(models.SentimentNegative), clamp(float64(negativeCount)*0.3, 1.0)
	default:
		return string(models.SentimentNeutral), 0.5
	}
}

func countWord(text, word string) int {
	return countPattern(text, `\b`+word+`\b`)
}

func countPattern(text, pattern string) int {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0
	}
	return len(re.FindAllString(text, -1))
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

var (
	greetingPattern = regexp.MustCompile(`\b(hi|hello|hey|g'?day|yo|howdy)\b`)
	refusalPattern  = regexp.MustCompile(`\b(no one|nobody|nothing|none|nope|nah|not really|don'?t have)\b|^no\b`)
	affirmPattern   = regexp.MustCompile(`\b(yes|yeah|yep|yup|okay|ok|sure)\b`)
)

// stepTopicKeywords are the lexical cues that a message is on-topic for a
// content step, including the slang and kinship terms users actually write.
var stepTopicKeywords = map[models.Step][]string{
	models.StepSupportPeople: {
		"mum", "mom", "dad", "family", "friend", "friends", "mate", "mates",
		"aunty", "auntie", "uncle", "nan", "nanna", "pop", "brother", "sister",
		"cousin", "teacher", "coach", "mob", "help", "helps", "support",
	},
	models.StepStrengths: {
		"good at", "proud", "strong", "deadly", "sport", "footy", "music",
		"art", "drawing", "school", "work", "cooking", "fishing", "funny",
	},
	models.StepWorries: {
		"worried", "worry", "worries", "stress", "stressed", "anxious",
		"scared", "nervous", "trouble", "problem", "money", "exam", "fight",
	},
	models.StepGoals: {
		"want to", "wanna", "goal", "goals", "plan", "plans", "hope", "dream",
		"finish", "get a job", "learn", "study", "save up", "try to",
	},
}

// KeywordIntent is the rule-based intent fallback. The current step biases
// disambiguation: refusals resolve to the step's negative-disclosure variant,
// and topic cues for the current step score highest.
func KeywordIntent(text string, step models.Step) (string, float64) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return string(models.IntentUnclear), 0
	}

	if step.IsContent() && refusalPattern.MatchString(lower) {
		if neg, ok := models.NegativeIntentFor(step); ok {
			return string(neg), 0.7
		}
	}
	if greetingPattern.MatchString(lower) {
		return string(models.IntentGreeting), 0.8
	}
	if strings.Contains(lower, "?") {
		return string(models.IntentQuestion), 0.6
	}

	if step.IsContent() {
		hits := 0
		for _, kw := range stepTopicKeywords[step] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > 0 {
			if topic, ok := models.TopicIntentFor(step); ok {
				return string(topic), clamp(0.4+0.2*float64(hits), 0.9)
			}
		}
	}

	if affirmPattern.MatchString(lower) {
		return string(models.IntentAffirmative), 0.6
	}
	return string(models.IntentUnclear), 0
}
