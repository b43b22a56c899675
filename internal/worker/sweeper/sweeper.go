// Package sweeper は期限切れセッションとレートバケットの定期削除ジョブを提供する。
// 複数のワーカーが起動していても、共有ストアのロックにより1インターバルにつき1回だけ実行される。
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/metrics"
)

// lockKey はクラスタ全体で共有するスイープ実行ロックのキー。
const lockKey = "sweeper:lock"

// SessionPurger は期限切れセッションを削除するインターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// BucketPurger は期限切れのレートバケットを削除するインターフェース。
// TTLで自動失効するストア（Redis）では不要なためnilを許容する。
type BucketPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Locker はキーが存在しない場合のみ値を設定するインターフェース。ratelimit.Storeが実装する。
type Locker interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Result は1回のスイープ結果。
type Result struct {
	Skipped         bool // 他のワーカーがロックを保持していた
	DeletedSessions int64
	DeletedBuckets  int64
}

// Job は期限切れレコードの削除ジョブ。
type Job struct {
	sessions SessionPurger
	buckets  BucketPurger
	lock     Locker
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	owner    string
	now      func() time.Time

	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// New は新しいJobを生成する。bucketsとcollectorはnilでもよい。
func New(sessions SessionPurger, buckets BucketPurger, lock Locker, collector metrics.MetricsCollector, logger *slog.Logger) *Job {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Job{
		sessions: sessions,
		buckets:  buckets,
		lock:     lock,
		metrics:  collector,
		logger:   logger,
		owner:    uuid.NewString(),
		now:      time.Now,
		Interval: time.Hour,
	}
}

// Run はロックを取得できた場合に1回分のスイープを実行する。
// ロックのTTLはIntervalと同じで、解放はせず失効に任せる。
func (j *Job) Run(ctx context.Context) (Result, error) {
	start := j.now()

	acquired, err := j.lock.SetIfAbsent(ctx, lockKey, j.owner, j.Interval)
	if err != nil {
		j.logger.Error("スイープロックの取得に失敗しました", slog.String("error", err.Error()))
		return Result{}, fmt.Errorf("スイープロックの取得に失敗: %w", err)
	}
	if !acquired {
		j.logger.Debug("他のワーカーがスイープを実行済みのためスキップします")
		return Result{Skipped: true}, nil
	}

	var res Result
	res.DeletedSessions, err = j.sessions.DeleteExpired(ctx, start)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました", slog.String("error", err.Error()))
		return res, fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	if j.buckets != nil {
		res.DeletedBuckets, err = j.buckets.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れレートバケットの削除に失敗しました", slog.String("error", err.Error()))
			return res, fmt.Errorf("期限切れレートバケットの削除に失敗: %w", err)
		}
	}

	duration := j.now().Sub(start)
	j.metrics.RecordSweep(res.DeletedSessions, res.DeletedBuckets, duration)
	j.metrics.RecordSessionsEnded("expired", res.DeletedSessions)
	j.logger.Info("スイープが完了しました",
		slog.Int64("deleted_sessions", res.DeletedSessions),
		slog.Int64("deleted_buckets", res.DeletedBuckets),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return res, nil
}

// Start は起動直後に1回スイープし、以降Intervalごとに実行する。
// ctxがキャンセルされるまでブロックする。
func (j *Job) Start(ctx context.Context) {
	j.runLogged(ctx)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("スイーパーを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	// エラーはRun内で記録済み。次のインターバルで再試行する。
	_, _ = j.Run(ctx)
}
