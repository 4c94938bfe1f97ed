package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
)

const (
	defaultCacheTTL = 5 * time.Minute
	redisKeyPrefix  = "dispatch:key:"
)

// KeyStore looks up API key metadata by hash. A nil result with a nil
// error means the key is unknown, revoked or expired.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CachedKeyStore implements KeyStore with PostgreSQL + Redis cache.
type CachedKeyStore struct {
	db       DB
	redis    redis.Cmdable
	cacheTTL time.Duration
}

// NewCachedKeyStore creates the store. rdb may be nil to disable caching.
func NewCachedKeyStore(db DB, rdb redis.Cmdable, cacheTTL time.Duration) *CachedKeyStore {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &CachedKeyStore{db: db, redis: rdb, cacheTTL: cacheTTL}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	// Check Redis cache first
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
		if err == nil {
			var meta KeyMetadata
			if err := json.Unmarshal(cached, &meta); err == nil && time.Now().Before(meta.ExpiresAt) {
				return &meta, nil
			}
		}
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if s.redis != nil {
		if data, err := json.Marshal(meta); err == nil {
			ttl := min(s.cacheTTL, time.Until(meta.ExpiresAt))
			if ttl > 0 {
				if err := s.redis.Set(ctx, redisKeyPrefix+keyHash, data, ttl).Err(); err != nil {
					slog.Warn("api key cache write failed", "error", err)
				}
			}
		}
	}

	return meta, nil
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	var (
		meta     KeyMetadata
		quotaMax *int64
		windowMS *int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, client_id, expires_at, rate_limit_max, rate_limit_window_ms
		FROM api_keys
		WHERE key_hash = $1
		  AND status = 'active'
		  AND expires_at > NOW()
	`, keyHash).Scan(&meta.ID, &meta.Name, &meta.ClientID, &meta.ExpiresAt, &quotaMax, &windowMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query api_keys: %w", err)
	}
	if quotaMax != nil || windowMS != nil {
		meta.Quota = &ratelimit.Quota{}
		if quotaMax != nil {
			meta.Quota.Max = *quotaMax
		}
		if windowMS != nil {
			meta.Quota.Window = time.Duration(*windowMS) * time.Millisecond
		}
	}

	go func(id string) {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.db.Exec(bgCtx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
			slog.Debug("update last_used_at failed", "key_id", id, "error", err)
		}
	}(meta.ID)

	return &meta, nil
}

// NewKey describes a key to insert. Quota may be nil.
type NewKey struct {
	Raw       string
	Name      string
	ClientID  string
	ExpiresAt time.Time
	Quota     *ratelimit.Quota
}

// CreateKey inserts k and returns its ID. Only the hash and display prefix
// of the raw key are stored.
func CreateKey(ctx context.Context, db DB, k NewKey) (string, error) {
	if _, err := ParseKey(k.Raw); err != nil {
		return "", err
	}
	var quotaMax, windowMS *int64
	if q := k.Quota; q != nil {
		if q.Max > 0 {
			quotaMax = &q.Max
		}
		if q.Window > 0 {
			ms := q.Window.Milliseconds()
			windowMS = &ms
		}
	}

	var id string
	err := db.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, client_id, name, expires_at, rate_limit_max, rate_limit_window_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, HashKey(k.Raw), KeyPrefix(k.Raw), k.ClientID, k.Name, k.ExpiresAt, quotaMax, windowMS).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}
