package types

import "time"

// Result is the unified outcome of one successful provider call.
type Result struct {
	Content  string        `json:"content"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Usage    *Usage        `json:"usage,omitempty"`
	Latency  time.Duration `json:"latency"`

	// Cached is set by the dispatcher when the result came from the response cache.
	Cached bool `json:"-"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
