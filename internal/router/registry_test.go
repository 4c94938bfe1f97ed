package router

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/retry"
	"github.com/mitsuri-ai/dispatcher/internal/router/adapters"
)

func TestBuildFromConfig_PreservesOrderAndSkipsUnknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routing.ProviderOrder = []string{"cerebras", "missing", "groq", "cerebras", "claude"}
	cfg.Routing.Retry = retry.DefaultConfig()

	provs := &config.ProvidersConfig{Providers: map[string]config.ProviderConfig{
		"groq":     {Type: "openai", BaseURL: "https://api.groq.com/openai/v1", APIKey: "k", Retry: retry.Config{MaxAttempts: 5}},
		"cerebras": {Type: "openai", BaseURL: "https://api.cerebras.ai/v1", APIKey: "k"},
		"claude":   {Type: "anthropic", BaseURL: "https://api.anthropic.com/v1", APIKey: "k"},
	}}
	models := &config.ModelsConfig{Models: map[string]config.TierModels{
		"groq":     {Small: "llama-3.1-8b-instant", Large: "llama-3.3-70b-versatile"},
		"cerebras": {Small: "llama3.1-8b", Large: "llama-3.3-70b"},
	}}

	var logs bytes.Buffer
	routes := BuildFromConfig(cfg, provs, models, slog.New(slog.NewTextHandler(&logs, nil)))

	require.Len(t, routes, 3)
	assert.Equal(t, "cerebras", routes[0].Name)
	assert.Equal(t, "groq", routes[1].Name)
	assert.Equal(t, "claude", routes[2].Name)

	assert.Equal(t, 5, routes[1].Policy.Config().MaxAttempts, "provider retry overrides routing defaults")
	assert.Equal(t, retry.DefaultConfig().MaxAttempts, routes[0].Policy.Config().MaxAttempts)
	assert.Equal(t, "llama-3.1-8b-instant", routes[1].Models.Small)

	_, isAnthropic := routes[2].Adapter.(*adapters.AnthropicAdapter)
	assert.True(t, isAnthropic)
	_, isOpenAI := routes[0].Adapter.(*adapters.OpenAIAdapter)
	assert.True(t, isOpenAI)

	assert.Contains(t, logs.String(), "missing")
	assert.Contains(t, logs.String(), "duplicate provider")
}

func TestRegistry_Replace(t *testing.T) {
	a := &scriptedAdapter{name: "groq"}
	b := &scriptedAdapter{name: "cerebras"}
	r := NewRegistry([]Route{route(a)})

	before := r.Routes()
	r.Replace([]Route{route(b), route(a)})

	assert.Len(t, before, 1, "a held snapshot is unaffected by Replace")
	assert.Len(t, r.Routes(), 2)

	got, ok := r.Get("cerebras")
	require.True(t, ok)
	assert.Equal(t, "cerebras", got.Name)

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestNewAdapter_DefaultsToOpenAI(t *testing.T) {
	a := NewAdapter("sambanova", config.ProviderConfig{Type: "custom", Timeout: time.Second})
	assert.Equal(t, "sambanova", a.Name())
	_, ok := a.(*adapters.OpenAIAdapter)
	assert.True(t, ok)
}

func TestBuildFromConfig_ProviderJitterIndependent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routing.ProviderOrder = []string{"groq", "cerebras"}
	cfg.Routing.Retry.Jitter = retry.Float(0.3)

	provs := &config.ProvidersConfig{Providers: map[string]config.ProviderConfig{
		"groq":     {Type: "openai", Retry: retry.Config{Jitter: retry.Float(0)}},
		"cerebras": {Type: "openai"},
	}}
	routes := BuildFromConfig(cfg, provs, nil, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	require.Len(t, routes, 2)
	assert.Equal(t, 0.0, *routes[0].Policy.Config().Jitter, "explicit zero jitter is honoured")
	assert.Equal(t, 0.3, *routes[1].Policy.Config().Jitter, "unset jitter inherits routing.retry")
}
