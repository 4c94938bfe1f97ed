// Package retry decides whether and when a failed provider attempt is retried.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// Config holds one provider's retry budget and backoff parameters.
type Config struct {
	// MaxAttempts bounds attempts (including the first) for transient and timeout errors.
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter is the fractional spread applied to each backoff, 0.0-1.0.
	// nil inherits; an explicit 0 disables jitter.
	Jitter *float64 `yaml:"jitter"`

	// RateLimitMaxAttempts bounds attempts for rate-limited errors.
	RateLimitMaxAttempts int           `yaml:"rate_limit_max_attempts"`
	RateLimitFloor       time.Duration `yaml:"rate_limit_floor"`
	// MaxRateLimitWait gives up on a provider that asks for a longer wait.
	MaxRateLimitWait time.Duration `yaml:"max_rate_limit_wait"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:          2,
		BaseDelay:            time.Second,
		MaxDelay:             8 * time.Second,
		Jitter:               Float(0.2),
		RateLimitMaxAttempts: 2,
		RateLimitFloor:       time.Second,
		MaxRateLimitWait:     5 * time.Second,
	}
}

// Float returns a pointer to v, for setting Jitter in code.
func Float(v float64) *float64 { return &v }

// Merge fills zero fields of c from def.
func (c Config) Merge(def Config) Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Jitter == nil {
		c.Jitter = def.Jitter
	}
	if c.RateLimitMaxAttempts <= 0 {
		c.RateLimitMaxAttempts = def.RateLimitMaxAttempts
	}
	if c.RateLimitFloor <= 0 {
		c.RateLimitFloor = def.RateLimitFloor
	}
	if c.MaxRateLimitWait <= 0 {
		c.MaxRateLimitWait = def.MaxRateLimitWait
	}
	return c
}

// Decision is the policy's answer for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the decision to stop trying the current provider.
var GiveUp = Decision{}

// Policy is a provider-specific retry policy. It is safe for concurrent use.
type Policy struct {
	cfg  Config
	rand func() float64
}

// NewPolicy creates a policy, replacing invalid values with defaults.
func NewPolicy(cfg Config) *Policy {
	cfg = cfg.Merge(DefaultConfig())
	if j := *cfg.Jitter; j < 0 || j > 1 {
		cfg.Jitter = DefaultConfig().Jitter
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg, rand: rand.Float64}
}

// WithRand returns a copy of the policy drawing jitter from fn, which must
// return values in [0, 1).
func (p *Policy) WithRand(fn func() float64) *Policy {
	cp := *p
	cp.rand = fn
	return &cp
}

func (p *Policy) Config() Config { return p.cfg }

// Decide returns whether to retry after attempt failed with err.
// attempt counts the attempts already made against this provider.
func (p *Policy) Decide(err *types.ClassifiedError, attempt int) Decision {
	if err == nil {
		return GiveUp
	}
	switch err.Kind {
	case types.KindPermanent:
		return GiveUp
	case types.KindRateLimited:
		if attempt >= p.cfg.RateLimitMaxAttempts {
			return GiveUp
		}
		delay := max(p.cfg.RateLimitFloor, err.RetryAfter)
		if delay > p.cfg.MaxRateLimitWait {
			return GiveUp
		}
		return Decision{Retry: true, Delay: delay}
	case types.KindTransient, types.KindTimeout:
		if attempt >= p.cfg.MaxAttempts {
			return GiveUp
		}
		return Decision{Retry: true, Delay: p.Backoff(attempt)}
	default:
		return GiveUp
	}
}

// Backoff returns the jittered exponential delay after the given attempt:
// min(base * 2^(attempt-1), cap) scaled by a random factor in [1-jitter, 1+jitter],
// and never above cap.
func (p *Policy) Backoff(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	capDelay := float64(p.cfg.MaxDelay)
	delay := math.Min(float64(p.cfg.BaseDelay)*math.Pow(2, float64(exp)), capDelay)

	if j := *p.cfg.Jitter; j > 0 {
		delay *= 1 + (p.rand()*2-1)*j
	}
	if delay > capDelay {
		delay = capDelay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
