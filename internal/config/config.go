package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/retry"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Routing   RoutingConfig   `yaml:"routing"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tier      TierConfig      `yaml:"tier"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	CORSOrigins      []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
}

type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type RoutingConfig struct {
	// ProviderOrder is the static priority list tried by the orchestrator.
	ProviderOrder   []string             `yaml:"provider_order"`
	DispatchTimeout time.Duration        `yaml:"dispatch_timeout"`
	Retry           retry.Config         `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// Cache backends.
const (
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SQLitePath    string        `yaml:"sqlite_path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Rate limiter failure modes when the store is unreachable.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"`
	Window   time.Duration `yaml:"window"`
	Max      int64         `yaml:"max"`
	FailMode string        `yaml:"fail_mode"`
	// GroupCooldown is the minimum gap between dispatches sharing a cooldown key.
	GroupCooldown time.Duration `yaml:"group_cooldown"`
}

type TierConfig struct {
	// SmallTalkMaxTokens marks messages with at most this many tokens as small talk.
	SmallTalkMaxTokens int `yaml:"small_talk_max_tokens"`
}

// Configured reports whether a redis address is set.
func (r RedisConfig) Configured() bool {
	return len(r.Addresses) > 0 && r.Addresses[0] != ""
}

// Validate reports configuration values the dispatcher cannot run with.
func (c *Config) Validate() error {
	if len(c.Routing.ProviderOrder) == 0 {
		return fmt.Errorf("routing.provider_order must list at least one provider")
	}
	if c.Routing.DispatchTimeout <= 0 {
		return fmt.Errorf("routing.dispatch_timeout must be positive")
	}
	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case BackendRedis, BackendSQLite, BackendMemory:
		default:
			return fmt.Errorf("cache.backend %q is not one of redis, sqlite, memory", c.Cache.Backend)
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive")
		}
		if c.Cache.Backend == BackendRedis && !c.Redis.Configured() {
			return fmt.Errorf("cache.backend is redis but redis.addresses is empty")
		}
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case BackendRedis, BackendPostgres, BackendMemory:
		default:
			return fmt.Errorf("rate_limit.backend %q is not one of redis, postgres, memory", c.RateLimit.Backend)
		}
		if c.RateLimit.Window <= 0 || c.RateLimit.Max <= 0 {
			return fmt.Errorf("rate_limit.window and rate_limit.max must be positive")
		}
		if c.RateLimit.FailMode != FailOpen && c.RateLimit.FailMode != FailClosed {
			return fmt.Errorf("rate_limit.fail_mode %q is not one of open, closed", c.RateLimit.FailMode)
		}
		if c.RateLimit.Backend == BackendRedis && !c.Redis.Configured() {
			return fmt.Errorf("rate_limit.backend is redis but redis.addresses is empty")
		}
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "dispatcher",
			User:            "dispatcher",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
		},
		Auth: AuthConfig{
			Enabled:  false,
			CacheTTL: 5 * time.Minute,
		},
		Routing: RoutingConfig{
			ProviderOrder:   []string{"groq", "cerebras", "sambanova"},
			DispatchTimeout: 45 * time.Second,
			Retry:           retry.DefaultConfig(),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryInterval: 30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Enabled:       true,
			Backend:       BackendRedis,
			TTL:           time.Hour,
			SQLitePath:    "dispatcher-cache.db",
			SweepInterval: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Backend:       BackendRedis,
			Window:        time.Minute,
			Max:           10,
			FailMode:      FailOpen,
			GroupCooldown: 3 * time.Second,
		},
		Tier: TierConfig{
			SmallTalkMaxTokens: 4,
		},
	}
}
