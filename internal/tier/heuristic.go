// Package tier picks a model tier for requests that do not name one.
package tier

import (
	"regexp"
	"strings"

	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_\s]`)

// Classifier labels very short messages and greetings as small talk.
type Classifier struct {
	rules []Rule
	cfg   func() config.TierConfig
}

func NewClassifier(cfg func() config.TierConfig) *Classifier {
	return &Classifier{rules: DefaultRules(), cfg: cfg}
}

// CountTokens splits text into words and individual punctuation marks.
func CountTokens(text string) int {
	return len(tokenPattern.FindAllStringIndex(text, -1))
}

// IsSmallTalk reports whether text is short enough, or greeting-like
// enough, for the small tier.
func (c *Classifier) IsSmallTalk(text string) bool {
	if CountTokens(text) <= c.cfg().SmallTalkMaxTokens {
		return true
	}
	trimmed := strings.TrimSpace(text)
	for _, r := range c.rules {
		if r.Regex.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// Classify picks the tier from the last user message.
func (c *Classifier) Classify(messages []types.Message) types.Tier {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if c.IsSmallTalk(messages[i].Content) {
			return types.TierSmall
		}
		return types.TierLarge
	}
	return types.TierLarge
}
