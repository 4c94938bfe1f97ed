package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewMetrics_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDispatch(OutcomeOK, 120*time.Millisecond)
	m.RecordCacheLookup("hit")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"dispatch_requests_total", "dispatch_duration_ms", "dispatch_cache_lookups_total"} {
		if !names[want] {
			t.Errorf("expected metric %s to be registered", want)
		}
	}
}

func TestRecordAttempt(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAttempt("groq", &types.ClassifiedError{Kind: types.KindRateLimited}, 0)
	m.RecordAttempt("groq", &types.ClassifiedError{Kind: types.KindRateLimited}, 0)
	m.RecordAttempt("cerebras", nil, 300*time.Millisecond)

	if got := counterValue(t, m.ProviderAttempts, "groq", "rate_limited"); got != 2 {
		t.Errorf("expected 2 rate limited attempts, got %v", got)
	}
	if got := counterValue(t, m.ProviderAttempts, "cerebras", "ok"); got != 1 {
		t.Errorf("expected 1 ok attempt, got %v", got)
	}
}

func TestRecordTokens(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTokens("groq", &types.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	m.RecordTokens("groq", nil)

	if got := counterValue(t, m.TokensTotal, "groq", "prompt"); got != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", got)
	}
	if got := counterValue(t, m.TokensTotal, "groq", "completion"); got != 50 {
		t.Errorf("expected 50 completion tokens, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDispatch(OutcomeExhausted, time.Second)
	m.RecordAttempt("groq", nil, time.Second)
	m.RecordTokens("groq", &types.Usage{PromptTokens: 1})
	m.RecordCacheLookup("miss")
	m.RecordRateLimit("denied")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")

	logger.Info("dropped")
	logger.Warn("kept", "provider", "groq")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["provider"] != "groq" {
		t.Errorf("expected provider attribute, got %v", entry["provider"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
