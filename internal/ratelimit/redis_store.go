package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript は加算と初回TTL設定を1往復で行う。
// 既存キーのTTLは延長しないため、ウィンドウは初回加算時点から固定される。
var incrementScript = redis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

// RedisStore はRedisを共有カウンタストアとするStore実装。
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient はREDIS_URL形式の接続文字列からRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Get はキーの現在の使用量を返す。
func (s *RedisStore) Get(ctx context.Context, key string) (Usage, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("failed to parse bucket %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return Usage{Count: count, TTL: ttl}, nil
}

// Increment はキーの使用量をアトミックに加算する。
func (s *RedisStore) Increment(ctx context.Context, key string, cost int64, window time.Duration) (Usage, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{key}, cost, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("%w: increment %s: %v", ErrStoreUnavailable, key, err)
	}
	if len(res) != 2 {
		return Usage{}, fmt.Errorf("unexpected increment reply for %s: %v", key, res)
	}
	return Usage{Count: res[0], TTL: time.Duration(res[1]) * time.Millisecond}, nil
}

// SetIfAbsent はキーが存在しない場合のみ値を設定する。
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrStoreUnavailable, key, err)
	}
	return ok, nil
}
