// Package ratelimit は共有ストア上の固定ウィンドウカウンタによるレート制限を提供する。
//
// カウンタはすべて共有ストアに置かれ、プロセス内のロックには依存しない。
// 同一キーへの同時consumeが古い値を読んで上限を超えないよう、
// 加算とTTL設定はストア側で1往復のアトミック操作として行う。
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable はストアに到達できない場合のエラー。
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Usage はバケットの現在の使用量と残りTTL。
// バケットが存在しない場合はCountが0、TTLが0になる。
type Usage struct {
	Count int64
	TTL   time.Duration
}

// Store はレートバケットを保持する共有カウンタストアのインターフェース。
type Store interface {
	// Get はキーの現在の使用量を返す。期限切れのキーは存在しないものとして扱う。
	Get(ctx context.Context, key string) (Usage, error)

	// Increment はキーの使用量をcostだけアトミックに加算し、加算後の使用量を返す。
	// キーが存在しなかった場合（初回加算）はTTLをwindowに設定する。
	Increment(ctx context.Context, key string, cost int64, window time.Duration) (Usage, error)

	// SetIfAbsent はキーが存在しない場合のみvalueをttl付きで設定する。
	// 設定できた場合にtrueを返す。
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
