package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore はrate_bucketsテーブルを共有カウンタストアとするStore実装。
// Redisを持たないデプロイ向け。時刻はすべてDBのnow()を基準にする。
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore は新しいPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get はキーの現在の使用量を返す。
func (s *PostgresStore) Get(ctx context.Context, key string) (Usage, error) {
	var count, ttlMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count,
		        CEIL(EXTRACT(EPOCH FROM (expires_at - now())) * 1000)::bigint
		 FROM rate_buckets
		 WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&count, &ttlMs)

	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}
	return Usage{Count: count, TTL: time.Duration(ttlMs) * time.Millisecond}, nil
}

// Increment はキーの使用量をアトミックに加算する。
// 期限切れの行は新しいウィンドウとして上書きする。
func (s *PostgresStore) Increment(ctx context.Context, key string, cost int64, window time.Duration) (Usage, error) {
	var count, ttlMs int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_buckets (key, count, expires_at)
		 VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE WHEN rate_buckets.expires_at <= now()
		                THEN EXCLUDED.count
		                ELSE rate_buckets.count + EXCLUDED.count END,
		   expires_at = CASE WHEN rate_buckets.expires_at <= now()
		                     THEN EXCLUDED.expires_at
		                     ELSE rate_buckets.expires_at END,
		   holder = CASE WHEN rate_buckets.expires_at <= now()
		                 THEN NULL
		                 ELSE rate_buckets.holder END
		 RETURNING count, CEIL(EXTRACT(EPOCH FROM (expires_at - now())) * 1000)::bigint`,
		key, cost, window.Milliseconds(),
	).Scan(&count, &ttlMs)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: increment %s: %v", ErrStoreUnavailable, key, err)
	}
	return Usage{Count: count, TTL: time.Duration(ttlMs) * time.Millisecond}, nil
}

// SetIfAbsent はキーが存在しない（または期限切れの）場合のみ値を設定する。
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_buckets (key, count, holder, expires_at)
		 VALUES ($1, 0, $2, now() + $3 * interval '1 millisecond')
		 ON CONFLICT (key) DO UPDATE SET
		   count = 0,
		   holder = EXCLUDED.holder,
		   expires_at = EXCLUDED.expires_at
		 WHERE rate_buckets.expires_at <= now()`,
		key, value, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrStoreUnavailable, key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired は期限切れのバケットを削除し、削除件数を返す。
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_buckets WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate buckets: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
