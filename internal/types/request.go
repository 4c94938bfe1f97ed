package types

import "fmt"

// Tier is the caller's hint about how much model the request needs.
type Tier string

const (
	TierSmall Tier = "small"
	TierLarge Tier = "large"
)

// ParseTier accepts "small" or "large".
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierSmall, TierLarge:
		return Tier(s), true
	default:
		return "", false
	}
}

// Request is the canonical chat completion request handed to the dispatcher.
// It is never modified after submission; adapters build their own wire bodies.
type Request struct {
	Messages    []Message `json:"messages"`
	Tier        Tier      `json:"tier"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the provider-independent shape of the request.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("request has no messages")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("message %d has no role", i)
		}
	}
	if _, ok := ParseTier(string(r.Tier)); !ok {
		return fmt.Errorf("unknown tier %q", r.Tier)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}

// PromptChars returns the total number of characters across all message contents.
func (r *Request) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len([]rune(m.Content))
	}
	return n
}
