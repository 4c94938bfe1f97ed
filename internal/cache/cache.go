// Package cache stores successful dispatch results keyed by request fingerprint.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/telemetry"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// Store is a byte-level backend with per-entry expiry.
type Store interface {
	// Get returns ok=false for a missing or expired key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Stats reports cache effectiveness since startup.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// ResponseCache maps fingerprints to results with a deployment-wide TTL.
// Backend failures never surface: reads degrade to a miss and writes are
// logged and dropped.
type ResponseCache struct {
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

func New(store Store, ttl time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *ResponseCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{store: store, ttl: ttl, logger: logger, metrics: metrics}
}

// Get returns the cached result for fingerprint, marked as Cached.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*types.Result, bool) {
	data, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.metrics.RecordCacheLookup("error")
		c.logger.Warn("cache read failed, treating as miss", "fingerprint", fingerprint, "error", err)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		c.metrics.RecordCacheLookup("miss")
		return nil, false
	}

	var result types.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.metrics.RecordCacheLookup("error")
		c.logger.Warn("corrupt cache entry, treating as miss", "fingerprint", fingerprint, "error", err)
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.RecordCacheLookup("hit")
	result.Cached = true
	return &result, true
}

// Put stores result under fingerprint. Failures are logged only.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, result *types.Result) {
	if result == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("cache encode failed", "fingerprint", fingerprint, "error", err)
		return
	}
	if err := c.store.Set(ctx, fingerprint, data, c.ttl); err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache write failed", "fingerprint", fingerprint, "error", err)
	}
}

func (c *ResponseCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
