package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// ClassifyResponse maps a non-2xx provider response to a classified error.
//
//	429, or a body that talks about rate limits -> RateLimited (with Retry-After)
//	5xx                                         -> Transient
//	other 4xx (bad request, auth, not found)    -> Permanent
func ClassifyResponse(provider string, status int, header http.Header, body []byte, now time.Time) *types.ClassifiedError {
	msg, code := parseErrorBody(body)
	ce := &types.ClassifiedError{
		Provider:   provider,
		StatusCode: status,
		Message:    msg,
	}

	switch {
	case status == http.StatusTooManyRequests || mentionsRateLimit(msg) || mentionsRateLimit(code):
		ce.Kind = types.KindRateLimited
		ce.RetryAfter = ParseRetryAfter(header, now)
	case status >= 500:
		ce.Kind = types.KindTransient
	case status >= 400:
		ce.Kind = types.KindPermanent
	default:
		ce.Kind = types.KindTransient
	}
	if ce.Message == "" {
		ce.Message = http.StatusText(status)
	}
	return ce
}

// ClassifyTransportError maps a failed round-trip to a classified error.
// Expiry of the call's own deadline is a Timeout; resets, refused
// connections and transport-level timeouts are Transient.
func ClassifyTransportError(provider string, callCtx context.Context, err error) *types.ClassifiedError {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &types.ClassifiedError{Kind: types.KindTimeout, Provider: provider, Message: "deadline exceeded", Err: err}
	}
	return &types.ClassifiedError{Kind: types.KindTransient, Provider: provider, Message: "transport error", Err: err}
}

// ParseRetryAfter reads the wait hint from retry-after-ms or Retry-After
// (delta seconds or an HTTP date). It returns zero when absent or unparseable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}

	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func mentionsRateLimit(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "ratelimit") ||
		strings.Contains(s, "too many requests")
}

// parseErrorBody extracts a message and code from the error shapes used by
// OpenAI-compatible and Anthropic APIs, falling back to the raw body.
func parseErrorBody(body []byte) (message, code string) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return truncate(strings.TrimSpace(string(body)), 512), ""
	}

	switch e := doc["error"].(type) {
	case string:
		message = e
	case map[string]any:
		message = stringField(e, "message")
		code = stringField(e, "code")
		if code == "" {
			code = stringField(e, "type")
		}
	}
	if message == "" {
		message = stringField(doc, "message")
	}
	if code == "" {
		code = stringField(doc, "code")
	}
	return truncate(message, 512), code
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
