package config

import "github.com/mitsuri-ai/dispatcher/internal/types"

// ModelsConfig maps each provider to its model names per tier.
type ModelsConfig struct {
	Models map[string]TierModels `yaml:"models"`
}

type TierModels struct {
	Small string `yaml:"small"`
	Large string `yaml:"large"`
}

// For returns the model for tier, or "" if the provider has none.
func (m TierModels) For(tier types.Tier) string {
	switch tier {
	case types.TierSmall:
		return m.Small
	case types.TierLarge:
		return m.Large
	default:
		return ""
	}
}

// Resolve returns the model name the provider exposes for tier.
func (mc *ModelsConfig) Resolve(provider string, tier types.Tier) (string, bool) {
	if mc == nil {
		return "", false
	}
	tm, ok := mc.Models[provider]
	if !ok {
		return "", false
	}
	model := tm.For(tier)
	return model, model != ""
}
