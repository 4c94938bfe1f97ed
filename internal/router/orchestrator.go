package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mitsuri-ai/dispatcher/internal/clock"
	"github.com/mitsuri-ai/dispatcher/internal/retry"
	"github.com/mitsuri-ai/dispatcher/internal/router/adapters"
	"github.com/mitsuri-ai/dispatcher/internal/telemetry"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// Orchestrator tries providers in static priority order, retrying each one
// according to its policy before falling back to the next.
type Orchestrator struct {
	registry *Registry
	health   *HealthTracker
	clock    clock.Clock
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

type Option func(*Orchestrator)

// WithHealthTracker enables circuit breaking. An open circuit skips the
// provider; it never changes the order.
func WithHealthTracker(ht *HealthTracker) Option {
	return func(o *Orchestrator) { o.health = ht }
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func NewOrchestrator(registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch returns the first successful result. When every provider fails
// it returns *types.ExhaustedError carrying the last provider's error; if
// ctx expires first, that error has kind Timeout.
func (o *Orchestrator) Dispatch(ctx context.Context, req *types.Request) (*types.Result, error) {
	routes := o.registry.Routes()

	var last *types.ClassifiedError
	attempts := 0
	for i, route := range routes {
		if err := ctx.Err(); err != nil {
			last = contextError(route.Name, err, last)
			break
		}

		model := route.Models.For(req.Tier)
		if model == "" {
			last = &types.ClassifiedError{
				Kind:     types.KindPermanent,
				Provider: route.Name,
				Message:  "no model configured for tier " + string(req.Tier),
			}
			o.logger.Debug("provider skipped", "provider", route.Name, "tier", req.Tier)
			continue
		}

		if o.health != nil && !o.health.IsAvailable(route.Name) {
			last = &types.ClassifiedError{Kind: types.KindTransient, Provider: route.Name, Message: "circuit open"}
			o.logger.Warn("provider skipped, circuit open", "provider", route.Name)
			continue
		}

		result, ce, n := o.runProvider(ctx, route, req, model)
		attempts += n
		if result != nil {
			if o.health != nil {
				o.health.RecordSuccess(route.Name)
			}
			o.logger.Info("dispatch succeeded",
				"provider", route.Name,
				"model", result.Model,
				"attempts", attempts,
				"latency_ms", result.Latency.Milliseconds(),
			)
			return result, nil
		}

		last = ce
		if o.health != nil && ce.Kind != types.KindPermanent {
			o.health.RecordFailure(route.Name)
		}
		if ctx.Err() != nil {
			break
		}
		if i < len(routes)-1 {
			o.logger.Warn("provider failed, falling back",
				"provider", route.Name,
				"next", routes[i+1].Name,
				"kind", ce.Kind.String(),
				"error", ce,
			)
		}
	}

	if last == nil {
		last = &types.ClassifiedError{Kind: types.KindPermanent, Message: "no providers configured"}
	}
	exhausted := &types.ExhaustedError{Last: last, Attempts: attempts}
	o.logger.Error("all providers exhausted",
		"attempts", attempts,
		"last_provider", last.Provider,
		"kind", last.Kind.String(),
		"error", last,
	)
	return nil, exhausted
}

// runProvider drives one provider's retry machine to success or give-up and
// returns the number of calls made.
func (o *Orchestrator) runProvider(ctx context.Context, route Route, req *types.Request, model string) (*types.Result, *types.ClassifiedError, int) {
	m := retry.NewMachine(route.Policy)
	for {
		if err := m.Begin(); err != nil {
			return nil, &types.ClassifiedError{Kind: types.KindPermanent, Provider: route.Name, Message: "retry state", Err: err}, m.Attempts()
		}

		result, err := route.Adapter.Call(ctx, adapters.Call{Request: req, Model: model})
		if err == nil {
			_ = m.Succeed()
			o.metrics.RecordAttempt(route.Name, nil, result.Latency)
			o.metrics.RecordTokens(route.Name, result.Usage)
			return result, nil, m.Attempts()
		}

		ce := classify(route.Name, err)
		o.metrics.RecordAttempt(route.Name, ce, 0)

		// The dispatch deadline fired while the call was outstanding.
		if ctxErr := ctx.Err(); ctxErr != nil {
			ce = contextError(route.Name, ctxErr, ce)
			m.Abandon(ce)
			return nil, ce, m.Attempts()
		}

		decision, _ := m.Fail(ce)
		if !decision.Retry {
			o.logger.Warn("giving up on provider",
				"provider", route.Name,
				"attempt", m.Attempts(),
				"kind", ce.Kind.String(),
				"error", ce,
			)
			return nil, ce, m.Attempts()
		}

		o.logger.Info("retrying provider",
			"provider", route.Name,
			"attempt", m.Attempts(),
			"kind", ce.Kind.String(),
			"delay_ms", decision.Delay.Milliseconds(),
		)
		if err := o.clock.Sleep(ctx, decision.Delay); err != nil {
			ce = contextError(route.Name, err, ce)
			m.Abandon(ce)
			return nil, ce, m.Attempts()
		}
	}
}

func classify(provider string, err error) *types.ClassifiedError {
	if ce, ok := types.AsClassified(err); ok {
		if ce.Provider == "" {
			ce.Provider = provider
		}
		return ce
	}
	return &types.ClassifiedError{Kind: types.KindTransient, Provider: provider, Message: "unclassified error", Err: err}
}

// contextError converts the dispatch context's error into the final
// classified error. An expired deadline is a Timeout.
func contextError(provider string, ctxErr error, prev *types.ClassifiedError) *types.ClassifiedError {
	if prev != nil && prev.Provider != "" {
		provider = prev.Provider
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &types.ClassifiedError{Kind: types.KindTimeout, Provider: provider, Message: "dispatch deadline exceeded", Err: ctxErr}
	}
	return &types.ClassifiedError{Kind: types.KindTransient, Provider: provider, Message: "dispatch cancelled", Err: ctxErr}
}
