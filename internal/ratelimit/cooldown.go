package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mitsuri-ai/dispatcher/internal/clock"
)

const cooldownPrefix = "dispatch:cd:"

// Cooldown enforces a minimum gap between dispatches that share a key,
// such as every member of one group chat.
type Cooldown interface {
	// Acquire reports whether the key is free; if not, retryAfter is the
	// time left on the current cooldown.
	Acquire(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// RedisCooldown claims the key with SET NX PX. Redis errors fail open.
type RedisCooldown struct {
	rdb    redis.Cmdable
	gap    time.Duration
	logger *slog.Logger
}

func NewRedisCooldown(rdb redis.Cmdable, gap time.Duration, logger *slog.Logger) *RedisCooldown {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCooldown{rdb: rdb, gap: gap, logger: logger}
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string) (bool, time.Duration, error) {
	if c.rdb == nil || c.gap <= 0 || key == "" {
		return true, 0, nil
	}

	k := cooldownPrefix + key
	set, err := c.rdb.SetNX(ctx, k, 1, c.gap).Result()
	if err != nil {
		// Fail open on Redis errors
		c.logger.Warn("cooldown check failed, allowing", "key", key, "error", err)
		return true, 0, nil
	}
	if set {
		return true, 0, nil
	}

	ttl, err := c.rdb.PTTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = c.gap
	}
	return false, ttl, nil
}

// MemoryCooldown is the in-process variant.
type MemoryCooldown struct {
	mu    sync.Mutex
	gap   time.Duration
	clock clock.Clock
	until map[string]time.Time
}

func NewMemoryCooldown(gap time.Duration, clk clock.Clock) *MemoryCooldown {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCooldown{gap: gap, clock: clk, until: make(map[string]time.Time)}
}

func (c *MemoryCooldown) Acquire(_ context.Context, key string) (bool, time.Duration, error) {
	if c.gap <= 0 || key == "" {
		return true, 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	c.until[key] = now.Add(c.gap)
	return true, 0, nil
}
