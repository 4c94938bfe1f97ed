package router

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/retry"
	"github.com/mitsuri-ai/dispatcher/internal/router/adapters"
)

// Route is one resolved entry of the provider priority list.
type Route struct {
	Name    string
	Adapter adapters.Adapter
	Policy  *retry.Policy
	Models  config.TierModels
}

// Registry holds the ordered routes. The slice is replaced wholesale on
// config reload and never mutated in place, so a dispatch that already
// holds it keeps a consistent view.
type Registry struct {
	mu     sync.RWMutex
	routes []Route
}

func NewRegistry(routes []Route) *Registry {
	return &Registry{routes: routes}
}

// Routes returns the current priority list. Callers must not modify it.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes
}

// Replace swaps in a new priority list.
func (r *Registry) Replace(routes []Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = routes
}

func (r *Registry) Get(name string) (Route, bool) {
	for _, route := range r.Routes() {
		if route.Name == name {
			return route, true
		}
	}
	return Route{}, false
}

// NewAdapter builds the adapter for one provider. The HTTP client carries
// no overall timeout: the adapter bounds each call with its own deadline.
func NewAdapter(name string, cfg config.ProviderConfig) adapters.Adapter {
	maxConns := cfg.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 10
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        maxConns,
			MaxIdleConnsPerHost: maxConns,
			MaxConnsPerHost:     maxConns,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	switch cfg.Type {
	case "anthropic":
		return adapters.NewAnthropicAdapter(name, cfg, client)
	default:
		// OpenAI-compatible is the common case
		return adapters.NewOpenAIAdapter(name, cfg, client)
	}
}

// BuildFromConfig resolves routing.provider_order into routes. Providers
// missing from providers.yaml are logged and skipped.
func BuildFromConfig(cfg *config.Config, provCfg *config.ProvidersConfig, modelsCfg *config.ModelsConfig, logger *slog.Logger) []Route {
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]bool, len(cfg.Routing.ProviderOrder))
	routes := make([]Route, 0, len(cfg.Routing.ProviderOrder))
	for _, name := range cfg.Routing.ProviderOrder {
		if seen[name] {
			logger.Warn("duplicate provider in routing.provider_order", "provider", name)
			continue
		}
		seen[name] = true

		var pc config.ProviderConfig
		var ok bool
		if provCfg != nil {
			pc, ok = provCfg.Providers[name]
		}
		if !ok {
			logger.Warn("provider in routing.provider_order has no configuration, skipping", "provider", name)
			continue
		}
		if pc.Type != "" && pc.Type != "openai" && pc.Type != "anthropic" {
			logger.Warn("unknown provider type, using openai wire format", "provider", name, "type", pc.Type)
		}

		var models config.TierModels
		if modelsCfg != nil {
			models = modelsCfg.Models[name]
		}
		if models.Small == "" && models.Large == "" {
			logger.Warn("provider has no models configured", "provider", name)
		}

		routes = append(routes, Route{
			Name:    name,
			Adapter: NewAdapter(name, pc),
			Policy:  retry.NewPolicy(pc.Retry.Merge(cfg.Routing.Retry)),
			Models:  models,
		})
	}
	return routes
}
