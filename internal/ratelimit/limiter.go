// Package ratelimit enforces per-requester fixed-window admission.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/clock"
	"github.com/mitsuri-ai/dispatcher/internal/telemetry"
)

const keyPrefix = "dispatch:rl:"

// Store counts hits for a key in the current fixed window. Increment must
// be atomic and must start a fresh window (count 1) once the previous one
// has elapsed.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
	ResetAt time.Time
}

// Remaining returns how many more requests fit in the window.
func (d Decision) Remaining() int64 {
	if r := d.Limit - d.Count; r > 0 {
		return r
	}
	return 0
}

// Quota overrides the limiter's max and window for one requester. Zero
// fields fall back to the limiter's own values.
type Quota struct {
	Max    int64         `json:"max,omitempty"`
	Window time.Duration `json:"window,omitempty"`
}

// Limiter admits at most max requests per requester per window.
type Limiter struct {
	store    Store
	max      int64
	window   time.Duration
	failOpen bool
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

type Option func(*Limiter)

// WithFailClosed denies requests when the store cannot be reached.
func WithFailClosed() Option { return func(l *Limiter) { l.failOpen = false } }

func WithClock(c clock.Clock) Option { return func(l *Limiter) { l.clock = c } }

func WithLogger(lg *slog.Logger) Option { return func(l *Limiter) { l.logger = lg } }

func WithMetrics(m *telemetry.Metrics) Option { return func(l *Limiter) { l.metrics = m } }

// NewLimiter creates a limiter that fails open unless WithFailClosed is given.
func NewLimiter(store Store, max int64, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		max:      max,
		window:   window,
		failOpen: true,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request for requesterID against the default quota.
func (l *Limiter) Allow(ctx context.Context, requesterID string) (Decision, error) {
	return l.AllowQuota(ctx, requesterID, Quota{})
}

// AllowQuota counts one request for requesterID under q. A store failure
// yields an allowed decision with a nil error when failing open, and a
// denied decision with the error when failing closed.
func (l *Limiter) AllowQuota(ctx context.Context, requesterID string, q Quota) (Decision, error) {
	limit, window := l.max, l.window
	if q.Max > 0 {
		limit = q.Max
	}
	if q.Window > 0 {
		window = q.Window
	}

	count, resetAt, err := l.store.Increment(ctx, keyPrefix+requesterID, window)
	if err != nil {
		l.metrics.RecordRateLimit("error")
		d := Decision{Allowed: l.failOpen, Limit: limit, ResetAt: l.clock.Now().Add(window)}
		if l.failOpen {
			l.logger.Warn("rate limit store unavailable, failing open", "requester_id", requesterID, "error", err)
			return d, nil
		}
		l.logger.Error("rate limit store unavailable, failing closed", "requester_id", requesterID, "error", err)
		return d, fmt.Errorf("rate limit store: %w", err)
	}

	d := Decision{
		Allowed: count <= limit,
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if d.Allowed {
		l.metrics.RecordRateLimit("allowed")
	} else {
		l.metrics.RecordRateLimit("denied")
		l.logger.Warn("rate limit exceeded",
			"requester_id", requesterID,
			"count", count,
			"limit", limit,
			"reset_at", resetAt,
		)
	}
	return d, nil
}
