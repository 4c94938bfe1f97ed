package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// Metrics holds all Prometheus metrics for the dispatcher. A nil *Metrics
// records nothing.
type Metrics struct {
	DispatchTotal      *prometheus.CounterVec
	DispatchDurationMs *prometheus.HistogramVec
	ProviderAttempts   *prometheus.CounterVec
	ProviderLatencyMs  *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Dispatch requests by outcome.",
		}, []string{"outcome"}),

		DispatchDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_duration_ms",
			Help:    "End-to-end dispatch duration in milliseconds.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"outcome"}),

		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_provider_attempts_total",
			Help: "Provider attempts by result (ok or the error kind).",
		}, []string{"provider", "result"}),

		ProviderLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_provider_latency_ms",
			Help:    "Latency of successful provider calls in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tokens_total",
			Help: "Tokens reported by providers.",
		}, []string{"provider", "direction"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, error).",
		}, []string{"result"}),

		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_ratelimit_decisions_total",
			Help: "Rate limit decisions (allowed, denied, error).",
		}, []string{"decision"}),
	}
}

// Dispatch outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeCached      = "cached"
	OutcomeRateLimited = "rate_limited"
	OutcomeExhausted   = "exhausted"
	OutcomeTimeout     = "timeout"
)

// RecordDispatch records one completed dispatch.
func (m *Metrics) RecordDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
	m.DispatchDurationMs.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

// RecordAttempt records one provider attempt. A nil err is a success.
func (m *Metrics) RecordAttempt(provider string, err *types.ClassifiedError, latency time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.ProviderAttempts.WithLabelValues(provider, err.Kind.String()).Inc()
		return
	}
	m.ProviderAttempts.WithLabelValues(provider, "ok").Inc()
	m.ProviderLatencyMs.WithLabelValues(provider).Observe(float64(latency.Milliseconds()))
}

// RecordTokens records the usage reported for a successful call.
func (m *Metrics) RecordTokens(provider string, usage *types.Usage) {
	if m == nil || usage == nil {
		return
	}
	if usage.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(provider, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(provider, "completion").Add(float64(usage.CompletionTokens))
	}
}

// RecordCacheLookup records a cache hit, miss or backend error.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimit records a limiter decision.
func (m *Metrics) RecordRateLimit(decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(decision).Inc()
}
