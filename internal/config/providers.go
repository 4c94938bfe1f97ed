package config

import (
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/retry"
)

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// Type selects the wire format: "openai" (OpenAI-compatible) or "anthropic".
	Type          string            `yaml:"type"`
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	APIVersion    string            `yaml:"api_version,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers,omitempty"`

	// Advertised request limits, checked before any network call. Zero means unlimited.
	MaxOutputTokens int `yaml:"max_output_tokens"`
	MaxPromptChars  int `yaml:"max_prompt_chars"`

	// Retry overrides routing.retry for this provider; zero fields inherit.
	Retry retry.Config `yaml:"retry"`
}
