package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mitsuri-ai/dispatcher/internal/cache"
	"github.com/mitsuri-ai/dispatcher/internal/clock"
	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/dispatch"
	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
	"github.com/mitsuri-ai/dispatcher/internal/router"
	"github.com/mitsuri-ai/dispatcher/internal/telemetry"
	"github.com/mitsuri-ai/dispatcher/internal/tier"
)

// app is the wired dispatcher shared by serve and ask.
type app struct {
	loader     *config.Loader
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	registry   *router.Registry
	health     *router.HealthTracker
	cache      *cache.ResponseCache
	sqlite     *cache.SQLiteStore
	facade     *dispatch.Facade
	classifier *tier.Classifier
	rdb        *redis.Client
	db         *pgxpool.Pool
	rlStore    *ratelimit.PostgresStore
}

// newApp loads configuration and wires the stores, orchestrator and facade.
// withAuth connects the key database when auth is enabled in config.
func newApp(ctx context.Context, opts *rootOptions, reg prometheus.Registerer, withAuth bool) (*app, error) {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	loader := config.NewLoader(opts.configDir, bootstrap)
	loader.SetEnvFile(opts.envFile)
	if err := loader.Load(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := loader.Config()

	logger := telemetry.NewLogger(os.Stdout, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	slog.SetDefault(logger)

	a := &app{
		loader:  loader,
		logger:  logger,
		metrics: telemetry.NewMetrics(reg),
	}

	if usesRedis(cfg) {
		a.rdb = newRedisClient(ctx, cfg.Redis, logger)
	}
	if (withAuth && cfg.Auth.Enabled) || (cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendPostgres) {
		pool, err := newPostgresPool(ctx, cfg.Database, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = pool
	}

	a.registry = router.NewRegistry(router.BuildFromConfig(cfg, loader.Providers(), loader.Models(), logger))
	loader.OnReload(func() {
		routes := router.BuildFromConfig(loader.Config(), loader.Providers(), loader.Models(), logger)
		a.registry.Replace(routes)
		logger.Info("provider routes reloaded", "providers", len(routes))
	})

	orchOpts := []router.Option{router.WithMetrics(a.metrics), router.WithLogger(logger)}
	if cb := cfg.Routing.CircuitBreaker; cb.Enabled {
		a.health = router.NewHealthTracker(cb.FailureThreshold, cb.RecoveryInterval, clock.Real())
		orchOpts = append(orchOpts, router.WithHealthTracker(a.health))
	}
	orchestrator := router.NewOrchestrator(a.registry, orchOpts...)

	facadeOpts := []dispatch.Option{
		dispatch.WithTimeout(cfg.Routing.DispatchTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(a.metrics),
	}

	if cfg.Cache.Enabled {
		store, err := a.cacheStore(cfg.Cache)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = cache.New(store, cfg.Cache.TTL, logger, a.metrics)
		facadeOpts = append(facadeOpts, dispatch.WithCache(a.cache))
	}

	if cfg.RateLimit.Enabled {
		limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger), ratelimit.WithMetrics(a.metrics)}
		if cfg.RateLimit.FailMode == config.FailClosed {
			limiterOpts = append(limiterOpts, ratelimit.WithFailClosed())
		}
		store, err := a.limitStore(cfg.RateLimit)
		if err != nil {
			a.Close()
			return nil, err
		}
		limiter := ratelimit.NewLimiter(store, cfg.RateLimit.Max, cfg.RateLimit.Window, limiterOpts...)
		facadeOpts = append(facadeOpts, dispatch.WithLimiter(limiter))
	}

	if gap := cfg.RateLimit.GroupCooldown; gap > 0 {
		if a.rdb != nil {
			facadeOpts = append(facadeOpts, dispatch.WithCooldown(ratelimit.NewRedisCooldown(a.rdb, gap, logger)))
		} else {
			facadeOpts = append(facadeOpts, dispatch.WithCooldown(ratelimit.NewMemoryCooldown(gap, clock.Real())))
		}
	}

	a.facade = dispatch.New(orchestrator, facadeOpts...)
	a.classifier = tier.NewClassifier(func() config.TierConfig { return loader.Config().Tier })

	logger.Info("dispatcher wired",
		"providers", len(a.registry.Routes()),
		"cache", cfg.Cache.Enabled,
		"cache_backend", cfg.Cache.Backend,
		"rate_limit", cfg.RateLimit.Enabled,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"circuit_breaker", a.health != nil,
	)
	return a, nil
}

func (a *app) cacheStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := cache.NewSQLiteStore(cfg.SQLitePath, clock.Real())
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		a.sqlite = store
		return store, nil
	case config.BackendRedis:
		if a.rdb == nil {
			return nil, errNoRedis
		}
		return cache.NewRedisStore(a.rdb), nil
	}
	a.logger.Warn("response cache is in process memory and is not swept, use for development only")
	return cache.NewMemoryStore(clock.Real()), nil
}

func (a *app) limitStore(cfg config.RateLimitConfig) (ratelimit.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		a.rlStore = ratelimit.NewPostgresStore(a.db)
		return a.rlStore, nil
	case config.BackendRedis:
		if a.rdb == nil {
			return nil, errNoRedis
		}
		return ratelimit.NewRedisStore(a.rdb, clock.Real()), nil
	}
	a.logger.Warn("rate limit windows are in process memory and not shared across instances, use for development only")
	return ratelimit.NewMemoryStore(clock.Real()), nil
}

func (a *app) Close() {
	if a.sqlite != nil {
		a.sqlite.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

var errNoRedis = errors.New("redis backend selected but no redis client is configured")

func usesRedis(cfg *config.Config) bool {
	if !cfg.Redis.Configured() {
		return false
	}
	return (cfg.Cache.Enabled && cfg.Cache.Backend == config.BackendRedis) ||
		(cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendRedis) ||
		cfg.RateLimit.GroupCooldown > 0 ||
		cfg.Auth.Enabled
}

// newRedisClient keeps the client even when the first ping fails: the
// stores built on it degrade per request instead.
func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, cache and limiter will degrade", "addr", cfg.Addresses[0], "error", err)
	} else {
		logger.Info("redis connected", "addr", cfg.Addresses[0])
	}
	return rdb
}

func newPostgresPool(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Warn("database not reachable (auth and postgres rate limiting will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}
	return pool, nil
}
