package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed backoff implementation with a sliding failure
// window and cooldown. The state is shared by every process using the
// database, so a second daemon instance respects the same cooldown.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed backoff limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: pool, window: window, maxFails: maxFails, blockFor: blockFor}
}

// NewPGWithQuerier constructs a PostgreSQL-backed backoff limiter.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether the endpoint may be contacted and a retry-after.
func (l *PG) Allow(ctx context.Context, endpoint string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM sync_limiter WHERE endpoint=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, endpoint).Scan(&blockedUntil)
	switch err {
	case nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case pgx.ErrNoRows:
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for the endpoint.
func (l *PG) Success(ctx context.Context, endpoint string) error {
	const q = `
INSERT INTO sync_limiter (endpoint, fail_count, blocked_until, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (endpoint)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, endpoint)
	return err
}

// Failure records a failed connection; may set a cooldown until a future time.
func (l *PG) Failure(ctx context.Context, endpoint string) (bool, time.Duration, error) {
	now := time.Now()

	const q = `
INSERT INTO sync_limiter (endpoint, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (endpoint) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - sync_limiter.updated_at > $2::interval THEN 1 ELSE sync_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, endpoint, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE sync_limiter SET blocked_until=$2 WHERE endpoint=$1`
		if _, err := l.pool.Exec(ctx, upd, endpoint, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
