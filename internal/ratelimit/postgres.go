package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgx.Conn and *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// fixedWindowUpsert starts a new window when the stored one has elapsed,
// otherwise bumps the counter. The row lock taken by ON CONFLICT makes
// concurrent increments of one key serialize.
const fixedWindowUpsert = `
INSERT INTO rate_limit_windows (key, window_start, count)
VALUES ($1, now(), 1)
ON CONFLICT (key) DO UPDATE SET
	window_start = CASE
		WHEN rate_limit_windows.window_start + ($2::bigint * interval '1 millisecond') <= now() THEN now()
		ELSE rate_limit_windows.window_start
	END,
	count = CASE
		WHEN rate_limit_windows.window_start + ($2::bigint * interval '1 millisecond') <= now() THEN 1
		ELSE rate_limit_windows.count + 1
	END
RETURNING count, window_start`

// PostgresStore keeps windows in the rate_limit_windows table, using the
// database clock.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	var count int64
	var windowStart time.Time
	if err := s.db.QueryRow(ctx, fixedWindowUpsert, key, window.Milliseconds()).Scan(&count, &windowStart); err != nil {
		return 0, time.Time{}, fmt.Errorf("postgres fixed window: %w", err)
	}
	return count, windowStart.Add(window), nil
}

// DeleteStale removes windows that started more than olderThan ago.
func (s *PostgresStore) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < now() - ($1::bigint * interval '1 millisecond')`,
		olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("delete stale windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
