// Package gateway exposes the dispatcher over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mitsuri-ai/dispatcher/internal/auth"
	"github.com/mitsuri-ai/dispatcher/internal/cache"
	"github.com/mitsuri-ai/dispatcher/internal/clock"
	"github.com/mitsuri-ai/dispatcher/internal/dispatch"
	"github.com/mitsuri-ai/dispatcher/internal/httputil"
	"github.com/mitsuri-ai/dispatcher/internal/router"
	"github.com/mitsuri-ai/dispatcher/internal/tier"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

const maxBodyBytes = 1 << 20

// Service is the dispatch entry point the handler calls.
type Service interface {
	Handle(ctx context.Context, req *types.Request, requesterID string, opts ...dispatch.HandleOption) (*types.Result, error)
}

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	service    Service
	classifier *tier.Classifier
	registry   *router.Registry
	health     *router.HealthTracker
	cache      *cache.ResponseCache
	validate   *validator.Validate
	clock      clock.Clock
	logger     *slog.Logger
	version    string
}

type Option func(*Handler)

// WithHealth reports breaker states on /health.
func WithHealth(registry *router.Registry, ht *router.HealthTracker) Option {
	return func(h *Handler) {
		h.registry = registry
		h.health = ht
	}
}

// WithCacheStats reports cache counters on /health.
func WithCacheStats(c *cache.ResponseCache) Option { return func(h *Handler) { h.cache = c } }

func WithClock(c clock.Clock) Option { return func(h *Handler) { h.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithVersion(v string) Option { return func(h *Handler) { h.version = v } }

func NewHandler(service Service, classifier *tier.Classifier, opts ...Option) *Handler {
	h := &Handler{
		service:    service,
		classifier: classifier,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		clock:      clock.Real(),
		logger:     slog.Default(),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type dispatchRequest struct {
	RequesterID string           `json:"requester_id" validate:"required,max=128"`
	Tier        string           `json:"tier" validate:"omitempty,oneof=small large"`
	Messages    []messagePayload `json:"messages" validate:"required,min=1,dive"`
	Temperature float64          `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int              `json:"max_tokens" validate:"gte=0"`
	TopP        float64          `json:"top_p" validate:"gte=0,lte=1"`
	CooldownKey string           `json:"cooldown_key" validate:"omitempty,max=128"`
}

type messagePayload struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

type dispatchResponse struct {
	RequestID string       `json:"request_id"`
	Content   string       `json:"content"`
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	Tier      types.Tier   `json:"tier"`
	Cached    bool         `json:"cached"`
	Usage     *types.Usage `json:"usage,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
}

// Dispatch handles POST /v1/dispatch
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := h.clock.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()
	if len(body) > maxBodyBytes {
		httputil.WriteBadRequestError(w, reqID, "Request body too large")
		return
	}

	var payload dispatchRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httputil.WriteBadRequestError(w, reqID, validationMessage(err))
		return
	}

	req := payload.toRequest()
	if req.Tier == "" {
		req.Tier = h.classifier.Classify(req.Messages)
	}

	// Requester and cooldown IDs are client-chosen, so they are scoped by
	// the authenticated client.
	info, _ := auth.AuthFromContext(r.Context())
	requesterID := info.Scope(payload.RequesterID)

	var opts []dispatch.HandleOption
	if payload.CooldownKey != "" {
		opts = append(opts, dispatch.WithCooldownKey(info.Scope(payload.CooldownKey)))
	}
	if info != nil && info.Quota != nil {
		opts = append(opts, dispatch.WithQuota(*info.Quota))
	}

	res, err := h.service.Handle(r.Context(), req, requesterID, opts...)
	if err != nil {
		h.writeDispatchError(w, reqID, requesterID, err)
		return
	}

	h.logger.Info("dispatch completed",
		"request_id", reqID,
		"requester_id", requesterID,
		"tier", req.Tier,
		"provider", res.Provider,
		"model", res.Model,
		"cached", res.Cached,
		"duration_ms", h.clock.Now().Sub(receivedAt).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dispatchResponse{
		RequestID: reqID,
		Content:   res.Content,
		Provider:  res.Provider,
		Model:     res.Model,
		Tier:      req.Tier,
		Cached:    res.Cached,
		Usage:     res.Usage,
		LatencyMs: res.Latency.Milliseconds(),
	})
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, reqID, requesterID string, err error) {
	var limited *types.RateLimitError
	var exhausted *types.ExhaustedError
	switch {
	case errors.As(err, &limited):
		wait := limited.RetryAfter(h.clock.Now())
		httputil.WriteRateLimitError(w, reqID,
			fmt.Sprintf("Rate limit exceeded. Try again in %ds.", httputil.RetryAfterSeconds(wait)), wait)

	case errors.As(err, &exhausted):
		provider, kind := "", types.KindTransient.String()
		if exhausted.Last != nil {
			provider, kind = exhausted.Last.Provider, exhausted.Last.Kind.String()
		}
		h.logger.Error("dispatch failed",
			"request_id", reqID,
			"requester_id", requesterID,
			"attempts", exhausted.Attempts,
			"error", err,
		)
		if exhausted.Timeout() {
			httputil.WriteTimeoutError(w, reqID, provider, "Dispatch deadline exceeded before any provider answered")
			return
		}
		httputil.WriteExhaustedError(w, reqID, provider, kind, "All providers failed")

	default:
		h.logger.Error("unexpected dispatch error", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Internal error")
	}
}

func (p dispatchRequest) toRequest() *types.Request {
	msgs := make([]types.Message, len(p.Messages))
	for i, m := range p.Messages {
		msgs[i] = types.Message{Role: m.Role, Content: m.Content}
	}
	return &types.Request{
		Messages:    msgs,
		Tier:        types.Tier(p.Tier),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		TopP:        p.TopP,
	}
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "dispatchRequest.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return "Invalid request: " + strings.Join(parts, "; ")
}

type healthResponse struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Providers []providerHealth `json:"providers,omitempty"`
	Cache     *cache.Stats     `json:"cache,omitempty"`
	Time      time.Time        `json:"time"`
}

type providerHealth struct {
	Name    string `json:"name"`
	Circuit string `json:"circuit"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Service: "dispatcher",
		Version: h.version,
		Time:    h.clock.Now().UTC(),
	}

	if h.registry != nil {
		var states map[string]string
		if h.health != nil {
			states = h.health.States()
		}
		available := 0
		for _, route := range h.registry.Routes() {
			state, ok := states[route.Name]
			if !ok {
				state = router.StateClosed.String()
			}
			if state != router.StateOpen.String() {
				available++
			}
			resp.Providers = append(resp.Providers, providerHealth{Name: route.Name, Circuit: state})
		}
		if available == 0 {
			resp.Status = "degraded"
		}
	}

	if h.cache != nil {
		stats := h.cache.Stats()
		resp.Cache = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
