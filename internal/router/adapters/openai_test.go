package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

func testRequest() *types.Request {
	return &types.Request{
		Messages: []types.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
		Tier:        types.TierSmall,
		Temperature: 0.7,
		MaxTokens:   64,
	}
}

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) (*OpenAIAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{
		Type:    "openai",
		BaseURL: srv.URL + "/v1",
		APIKey:  "sk-test",
		Timeout: 2 * time.Second,
	}
	return NewOpenAIAdapter("groq", cfg, srv.Client()), srv
}

func classified(t *testing.T, err error) *types.ClassifiedError {
	t.Helper()
	ce, ok := types.AsClassified(err)
	if !ok {
		t.Fatalf("expected *types.ClassifiedError, got %T: %v", err, err)
	}
	return ce
}

func TestOpenAIAdapter_Success(t *testing.T) {
	var gotBody openAIRequestBody
	a, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"llama-3.1-8b-instant","choices":[{"index":0,"message":{"role":"assistant","content":"  hi there \n"}}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	})

	res, err := a.Call(context.Background(), Call{Request: testRequest(), Model: "llama-3.1-8b-instant"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "hi there" {
		t.Errorf("expected trimmed content, got %q", res.Content)
	}
	if res.Provider != "groq" {
		t.Errorf("expected provider groq, got %s", res.Provider)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 7 {
		t.Errorf("expected usage total 7, got %+v", res.Usage)
	}
	if gotBody.Model != "llama-3.1-8b-instant" || len(gotBody.Messages) != 2 || gotBody.MaxTokens != 64 {
		t.Errorf("unexpected request body %+v", gotBody)
	}
}

func TestOpenAIAdapter_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		wantKind  types.ErrorKind
		wantRetry time.Duration
	}{
		{"rate limited with retry-after", 429, map[string]string{"Retry-After": "3"}, `{"error":{"message":"slow down"}}`, types.KindRateLimited, 3 * time.Second},
		{"rate limited ms header", 429, map[string]string{"retry-after-ms": "1500"}, `{}`, types.KindRateLimited, 1500 * time.Millisecond},
		{"rate limit in body", 400, nil, `{"error":{"message":"Rate limit reached for model"}}`, types.KindRateLimited, 0},
		{"server error", 503, nil, `upstream unavailable`, types.KindTransient, 0},
		{"bad gateway", 502, nil, ``, types.KindTransient, 0},
		{"unauthorized", 401, nil, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`, types.KindPermanent, 0},
		{"bad request", 400, nil, `{"error":"context length exceeded"}`, types.KindPermanent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newOpenAITestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := a.Call(context.Background(), Call{Request: testRequest(), Model: "m"})
			ce := classified(t, err)
			if ce.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, ce.Kind)
			}
			if ce.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ce.StatusCode)
			}
			if ce.RetryAfter != tt.wantRetry {
				t.Errorf("expected retry-after %v, got %v", tt.wantRetry, ce.RetryAfter)
			}
			if ce.Provider != "groq" {
				t.Errorf("expected provider groq, got %s", ce.Provider)
			}
		})
	}
}

func TestOpenAIAdapter_MalformedBodyIsTransient(t *testing.T) {
	for _, body := range []string{`not json`, `{"choices":[]}`, `{"choices":[{"message":{"content":"   "}}]}`} {
		a, _ := newOpenAITestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, body)
		})
		_, err := a.Call(context.Background(), Call{Request: testRequest(), Model: "m"})
		if ce := classified(t, err); ce.Kind != types.KindTransient {
			t.Errorf("body %q: expected transient, got %s", body, ce.Kind)
		}
	}
}

func TestOpenAIAdapter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	cfg := config.ProviderConfig{BaseURL: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond}
	a := NewOpenAIAdapter("cerebras", cfg, srv.Client())

	_, err := a.Call(context.Background(), Call{Request: testRequest(), Model: "m"})
	if ce := classified(t, err); ce.Kind != types.KindTimeout {
		t.Errorf("expected timeout, got %s (%v)", ce.Kind, err)
	}
}

func TestOpenAIAdapter_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := config.ProviderConfig{BaseURL: url, APIKey: "k", Timeout: time.Second}
	a := NewOpenAIAdapter("sambanova", cfg, nil)

	_, err := a.Call(context.Background(), Call{Request: testRequest(), Model: "m"})
	if ce := classified(t, err); ce.Kind != types.KindTransient {
		t.Errorf("expected transient, got %s", ce.Kind)
	}
}

func TestOpenAIAdapter_LimitsArePermanentWithoutNetwork(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { hits++ }))
	t.Cleanup(srv.Close)

	long := testRequest()
	long.Messages = append(long.Messages, types.Message{Role: "user", Content: strings.Repeat("x", 100)})

	tests := []struct {
		name string
		cfg  config.ProviderConfig
		call Call
	}{
		{"missing api key", config.ProviderConfig{BaseURL: srv.URL}, Call{Request: testRequest(), Model: "m"}},
		{"missing model", config.ProviderConfig{BaseURL: srv.URL, APIKey: "k"}, Call{Request: testRequest()}},
		{"max tokens", config.ProviderConfig{BaseURL: srv.URL, APIKey: "k", MaxOutputTokens: 32}, Call{Request: testRequest(), Model: "m"}},
		{"prompt chars", config.ProviderConfig{BaseURL: srv.URL, APIKey: "k", MaxPromptChars: 50}, Call{Request: long, Model: "m"}},
		{"no messages", config.ProviderConfig{BaseURL: srv.URL, APIKey: "k"}, Call{Request: &types.Request{Tier: types.TierSmall}, Model: "m"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewOpenAIAdapter("groq", tt.cfg, srv.Client())
			_, err := a.Call(context.Background(), tt.call)
			if ce := classified(t, err); ce.Kind != types.KindPermanent {
				t.Errorf("expected permanent, got %s", ce.Kind)
			}
		})
	}
	if hits != 0 {
		t.Errorf("expected no network calls, got %d", hits)
	}
}

func TestClassifyTransportError_ParentCancelIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ce := ClassifyTransportError("groq", ctx, context.Canceled)
	if ce.Kind != types.KindTransient {
		t.Errorf("expected transient, got %s", ce.Kind)
	}
	if !errors.Is(ce, context.Canceled) {
		t.Error("expected wrapped context.Canceled")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"absent", http.Header{}, 0},
		{"seconds", http.Header{"Retry-After": {"2"}}, 2 * time.Second},
		{"fractional seconds", http.Header{"Retry-After": {"0.5"}}, 500 * time.Millisecond},
		{"http date", http.Header{"Retry-After": {now.Add(4 * time.Second).Format(http.TimeFormat)}}, 4 * time.Second},
		{"past date", http.Header{"Retry-After": {now.Add(-time.Minute).Format(http.TimeFormat)}}, 0},
		{"garbage", http.Header{"Retry-After": {"soon"}}, 0},
		{"ms wins", http.Header{"Retry-After": {"9"}, "Retry-After-Ms": {"250"}}, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.header, now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
