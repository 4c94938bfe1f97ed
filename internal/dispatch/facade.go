// Package dispatch is the single entry point callers use to get a completion:
// admission, cache lookup, miss coalescing and provider fallback.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mitsuri-ai/dispatcher/internal/cache"
	"github.com/mitsuri-ai/dispatcher/internal/clock"
	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
	"github.com/mitsuri-ai/dispatcher/internal/telemetry"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// Dispatcher runs one request against the provider chain.
// router.Orchestrator is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *types.Request) (*types.Result, error)
}

// Facade composes the limiter, cooldown, response cache and orchestrator.
// Limiter, cooldown and cache are optional; a nil value disables the step.
type Facade struct {
	dispatcher Dispatcher
	limiter    *ratelimit.Limiter
	cooldown   ratelimit.Cooldown
	cache      *cache.ResponseCache
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	group singleflight.Group
}

type Option func(*Facade)

func WithLimiter(l *ratelimit.Limiter) Option { return func(f *Facade) { f.limiter = l } }

func WithCooldown(c ratelimit.Cooldown) Option { return func(f *Facade) { f.cooldown = c } }

func WithCache(c *cache.ResponseCache) Option { return func(f *Facade) { f.cache = c } }

// WithTimeout bounds each upstream dispatch. Zero means no bound beyond
// the caller's context.
func WithTimeout(d time.Duration) Option { return func(f *Facade) { f.timeout = d } }

func WithClock(c clock.Clock) Option { return func(f *Facade) { f.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(f *Facade) { f.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(f *Facade) { f.metrics = m } }

func New(d Dispatcher, opts ...Option) *Facade {
	f := &Facade{
		dispatcher: d,
		clock:      clock.Real(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// HandleOption tunes a single Handle call.
type HandleOption func(*handleOptions)

type handleOptions struct {
	cooldownKey string
	quota       ratelimit.Quota
}

// WithCooldownKey makes the call wait out the group cooldown for key,
// typically a chat ID shared by several requesters.
func WithCooldownKey(key string) HandleOption {
	return func(o *handleOptions) { o.cooldownKey = key }
}

// WithQuota replaces the limiter's default max and window for this call.
func WithQuota(q ratelimit.Quota) HandleOption {
	return func(o *handleOptions) { o.quota = q }
}

// Handle admits, serves from cache or dispatches req on behalf of
// requesterID. Failures are either *types.RateLimitError or
// *types.ExhaustedError.
func (f *Facade) Handle(ctx context.Context, req *types.Request, requesterID string, opts ...HandleOption) (*types.Result, error) {
	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := f.clock.Now()

	if err := f.admit(ctx, requesterID, o); err != nil {
		f.metrics.RecordDispatch(telemetry.OutcomeRateLimited, f.clock.Now().Sub(start))
		return nil, err
	}

	fp := types.Fingerprint(req)
	if f.cache != nil {
		if res, ok := f.cache.Get(ctx, fp); ok {
			// Latency describes this call, not the one that filled the cache.
			res.Latency = f.clock.Now().Sub(start)
			f.logger.Debug("served from cache", "requester_id", requesterID, "provider", res.Provider, "fingerprint", fp)
			f.metrics.RecordDispatch(telemetry.OutcomeCached, f.clock.Now().Sub(start))
			return res, nil
		}
	}

	res, err := f.dispatchShared(ctx, req, fp)
	elapsed := f.clock.Now().Sub(start)
	if err != nil {
		outcome := telemetry.OutcomeExhausted
		var exhausted *types.ExhaustedError
		if errors.As(err, &exhausted) && exhausted.Timeout() {
			outcome = telemetry.OutcomeTimeout
		}
		f.metrics.RecordDispatch(outcome, elapsed)
		return nil, err
	}
	f.metrics.RecordDispatch(telemetry.OutcomeOK, elapsed)
	return res, nil
}

func (f *Facade) admit(ctx context.Context, requesterID string, o handleOptions) error {
	if f.limiter != nil {
		d, err := f.limiter.AllowQuota(ctx, requesterID, o.quota)
		if err != nil {
			f.logger.Error("admission check failed, denying", "requester_id", requesterID, "error", err)
		}
		if !d.Allowed {
			return &types.RateLimitError{RequesterID: requesterID, Limit: d.Limit, ResetAt: d.ResetAt}
		}
	}

	if f.cooldown != nil && o.cooldownKey != "" {
		ok, wait, err := f.cooldown.Acquire(ctx, o.cooldownKey)
		if err != nil {
			f.logger.Warn("cooldown check failed", "cooldown_key", o.cooldownKey, "error", err)
		}
		if !ok {
			f.logger.Info("group cooldown active", "cooldown_key", o.cooldownKey, "retry_after", wait)
			return &types.RateLimitError{RequesterID: o.cooldownKey, Limit: 1, ResetAt: f.clock.Now().Add(wait)}
		}
	}
	return nil
}

// dispatchShared coalesces concurrent misses for the same fingerprint into
// one upstream dispatch. The shared call runs detached from any single
// caller so that one caller going away does not fail the others.
func (f *Facade) dispatchShared(ctx context.Context, req *types.Request, fp string) (*types.Result, error) {
	ch := f.group.DoChan(fp, func() (interface{}, error) {
		dctx := context.WithoutCancel(ctx)
		if f.timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(dctx, f.timeout)
			defer cancel()
		}

		res, err := f.dispatcher.Dispatch(dctx, req)
		if err != nil {
			return nil, asExhausted(err)
		}
		if f.cache != nil {
			f.cache.Put(dctx, fp, res)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, abandoned(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			f.logger.Debug("coalesced with in-flight dispatch", "fingerprint", fp)
		}
		res := *r.Val.(*types.Result)
		return &res, nil
	}
}

// asExhausted guarantees callers only ever see an ExhaustedError from the
// dispatch step.
func asExhausted(err error) error {
	var exhausted *types.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted
	}
	last, ok := types.AsClassified(err)
	if !ok {
		last = &types.ClassifiedError{Kind: types.KindTransient, Message: err.Error(), Err: err}
	}
	return &types.ExhaustedError{Last: last, Attempts: 1}
}

func abandoned(ctxErr error) error {
	last := &types.ClassifiedError{Kind: types.KindTransient, Message: "dispatch cancelled", Err: ctxErr}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		last = &types.ClassifiedError{Kind: types.KindTimeout, Message: "dispatch deadline exceeded", Err: ctxErr}
	}
	return &types.ExhaustedError{Last: last}
}
