package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mitsuri-ai/dispatcher/internal/clock"
)

// fixedWindowScript atomically increments the window counter and sets its
// expiry on the first hit. A key left without a TTL is repaired.
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
// Returns: [count, remaining ttl in ms]
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares windows across dispatcher instances.
type RedisStore struct {
	rdb   redis.Scripter
	clock clock.Clock
}

func NewRedisStore(rdb redis.Scripter, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &RedisStore{rdb: rdb, clock: clk}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := fixedWindowScript.Run(ctx, s.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis fixed window: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis fixed window: unexpected reply %v", res)
	}
	return res[0], s.clock.Now().Add(time.Duration(res[1]) * time.Millisecond), nil
}
