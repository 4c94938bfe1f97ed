package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitsuri-ai/dispatcher/internal/cache"
	"github.com/mitsuri-ai/dispatcher/internal/clock"
	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{}
	release chan struct{}
	block   bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req *types.Request) (*types.Result, error) {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.mu.Unlock()

	if first && d.started != nil {
		close(d.started)
	}
	if d.release != nil {
		<-d.release
	}
	if d.block {
		<-ctx.Done()
		return nil, &types.ExhaustedError{
			Last:     &types.ClassifiedError{Kind: types.KindTimeout, Provider: "groq", Message: "dispatch deadline exceeded", Err: ctx.Err()},
			Attempts: 1,
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return &types.Result{
		Content:  "Hehe, hello there!",
		Provider: "groq",
		Model:    "llama-3.1-8b-instant",
		Latency:  120 * time.Millisecond,
	}, nil
}

func (d *fakeDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type unreachableStore struct{}

func (unreachableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func (unreachableStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func greeting(text string) *types.Request {
	return &types.Request{
		Messages:    []types.Message{{Role: "user", Content: text}},
		Tier:        types.TierSmall,
		Temperature: 0.8,
		MaxTokens:   150,
		TopP:        0.9,
	}
}

func memoryCache(clk clock.Clock) *cache.ResponseCache {
	return cache.New(cache.NewMemoryStore(clk), time.Hour, quietLogger(), nil)
}

func TestHandle_MissThenHit(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &fakeDispatcher{}
	f := New(d, WithCache(memoryCache(clk)), WithClock(clk), WithLogger(quietLogger()))

	first, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "groq", first.Provider)

	second, err := f.Handle(context.Background(), greeting("hi"), "user-2")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 120*time.Millisecond, first.Latency)
	assert.Zero(t, second.Latency, "a cache hit reports its own lookup time, not the original call's")
	assert.Equal(t, 1, d.Calls(), "cache hit must not reach any provider")
}

func TestHandle_DifferentParametersMiss(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &fakeDispatcher{}
	f := New(d, WithCache(memoryCache(clk)), WithClock(clk), WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	require.NoError(t, err)

	req := greeting("hi")
	req.Temperature = 0.2
	res, err := f.Handle(context.Background(), req, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, d.Calls())
}

func TestHandle_UnreachableCacheStillAnswers(t *testing.T) {
	d := &fakeDispatcher{}
	rc := cache.New(unreachableStore{}, time.Hour, quietLogger(), nil)
	f := New(d, WithCache(rc), WithLogger(quietLogger()))

	for i := 0; i < 2; i++ {
		res, err := f.Handle(context.Background(), greeting("hi"), "user-1")
		require.NoError(t, err)
		assert.Equal(t, "Hehe, hello there!", res.Content)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, 2, d.Calls())
	assert.Equal(t, int64(2), rc.Stats().Errors)
}

func TestHandle_RateLimited(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), 3, time.Minute,
		ratelimit.WithClock(clk), ratelimit.WithLogger(quietLogger()))
	d := &fakeDispatcher{}
	f := New(d, WithLimiter(limiter), WithClock(clk), WithLogger(quietLogger()))

	for i := 0; i < 3; i++ {
		_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
		require.NoError(t, err)
	}

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRateLimitExceeded)
	var rle *types.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "user-1", rle.RequesterID)
	assert.Equal(t, int64(3), rle.Limit)
	assert.Equal(t, time.Minute, rle.RetryAfter(clk.Now()))
	assert.Equal(t, 3, d.Calls())

	_, err = f.Handle(context.Background(), greeting("hi"), "user-2")
	require.NoError(t, err, "other requesters have their own window")

	clk.Advance(time.Minute)
	_, err = f.Handle(context.Background(), greeting("hi"), "user-1")
	require.NoError(t, err)
}

func TestHandle_QuotaOverridesLimiterDefault(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), 3, time.Minute,
		ratelimit.WithClock(clk), ratelimit.WithLogger(quietLogger()))
	d := &fakeDispatcher{}
	f := New(d, WithLimiter(limiter), WithClock(clk), WithLogger(quietLogger()))
	strict := WithQuota(ratelimit.Quota{Max: 1, Window: 30 * time.Second})

	_, err := f.Handle(context.Background(), greeting("hi"), "bot:user-1", strict)
	require.NoError(t, err)

	_, err = f.Handle(context.Background(), greeting("hi"), "bot:user-1", strict)
	var rle *types.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(1), rle.Limit)
	assert.Equal(t, 30*time.Second, rle.RetryAfter(clk.Now()))
	assert.Equal(t, 1, d.Calls())
}

type failingLimitStore struct{}

func (failingLimitStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("redis: connection pool timeout")
}

func TestHandle_LimiterFailClosedDenies(t *testing.T) {
	limiter := ratelimit.NewLimiter(failingLimitStore{}, 10, time.Minute,
		ratelimit.WithFailClosed(), ratelimit.WithLogger(quietLogger()))
	d := &fakeDispatcher{}
	f := New(d, WithLimiter(limiter), WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	assert.ErrorIs(t, err, types.ErrRateLimitExceeded)
	assert.Equal(t, 0, d.Calls())
}

func TestHandle_LimiterFailOpenAdmits(t *testing.T) {
	limiter := ratelimit.NewLimiter(failingLimitStore{}, 10, time.Minute, ratelimit.WithLogger(quietLogger()))
	d := &fakeDispatcher{}
	f := New(d, WithLimiter(limiter), WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Calls())
}

func TestHandle_GroupCooldown(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &fakeDispatcher{}
	f := New(d, WithCooldown(ratelimit.NewMemoryCooldown(3*time.Second, clk)), WithClock(clk), WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1", WithCooldownKey("chat-42"))
	require.NoError(t, err)

	_, err = f.Handle(context.Background(), greeting("yo"), "user-2", WithCooldownKey("chat-42"))
	var rle *types.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 3*time.Second, rle.RetryAfter(clk.Now()))

	_, err = f.Handle(context.Background(), greeting("yo"), "user-2")
	require.NoError(t, err, "calls without a cooldown key are not throttled")

	clk.Advance(3 * time.Second)
	_, err = f.Handle(context.Background(), greeting("yo"), "user-2", WithCooldownKey("chat-42"))
	require.NoError(t, err)
	assert.Equal(t, 3, d.Calls())
}

func TestHandle_ExhaustedPropagates(t *testing.T) {
	want := &types.ExhaustedError{
		Last:     &types.ClassifiedError{Kind: types.KindPermanent, Provider: "sambanova", StatusCode: 401},
		Attempts: 3,
	}
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rc := memoryCache(clk)
	d := &fakeDispatcher{err: want}
	f := New(d, WithCache(rc), WithClock(clk), WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	assert.ErrorIs(t, err, types.ErrAllProvidersExhausted)
	var got *types.ExhaustedError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 3, got.Attempts)

	_, hit := rc.Get(context.Background(), types.Fingerprint(greeting("hi")))
	assert.False(t, hit, "failures must never be cached")
}

func TestHandle_UnexpectedErrorBecomesExhausted(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("boom")}
	f := New(d, WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	var got *types.ExhaustedError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, types.KindTransient, got.Last.Kind)
}

func TestHandle_DispatchTimeout(t *testing.T) {
	d := &fakeDispatcher{block: true}
	f := New(d, WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))

	_, err := f.Handle(context.Background(), greeting("hi"), "user-1")
	var got *types.ExhaustedError
	require.ErrorAs(t, err, &got)
	assert.True(t, got.Timeout())
}

func TestHandle_CallerCancelled(t *testing.T) {
	d := &fakeDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	f := New(d, WithLogger(quietLogger()))
	defer close(d.release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Handle(ctx, greeting("hi"), "user-1")
		errCh <- err
	}()

	<-d.started
	cancel()

	select {
	case err := <-errCh:
		var got *types.ExhaustedError
		require.ErrorAs(t, err, &got)
		assert.Equal(t, types.KindTransient, got.Last.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after the caller cancelled")
	}
}

func TestHandle_CoalescesConcurrentMisses(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &fakeDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	f := New(d, WithCache(memoryCache(clk)), WithClock(clk), WithLogger(quietLogger()))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*types.Result, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.Handle(context.Background(), greeting("hi"), "user-0")
	}()
	<-d.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Handle(context.Background(), greeting("hi"), "user-x")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(d.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Hehe, hello there!", results[i].Content)
	}
	assert.Equal(t, 1, d.Calls(), "identical concurrent misses share one upstream dispatch")

	results[1].Content = "mutated"
	assert.Equal(t, "Hehe, hello there!", results[2].Content, "callers get independent copies")
}
