package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/authgate/internal/metrics"
)

// Policy は名前付きの固定ウィンドウポリシー。
// Namespaceがバケットキーの接頭辞になり、ポリシー間でカウンタは共有されない。
type Policy struct {
	Namespace string
	Max       int64
	Window    time.Duration
}

// Result はconsumeの判定結果。
type Result struct {
	RateLimited bool
	Remaining   int64
	Max         int64
	Window      time.Duration
	// Reset はバケットがリセットされるまでの残り時間。
	Reset time.Duration
}

// Limiter は共有ストア上でポリシーごとのバケットを消費する。
type Limiter struct {
	store   Store
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewLimiter は新しいLimiterを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewLimiter(store Store, collector metrics.MetricsCollector, logger *slog.Logger) *Limiter {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:   store,
		metrics: collector,
		logger:  logger,
	}
}

// Key はポリシーと識別子からバケットキーを組み立てる。
func (p Policy) Key(identity string) string {
	return p.Namespace + ":" + identity
}

// Consume はidentityのバケットをcostだけ消費する。
//
// 使用量がMaxに達している場合は状態を変更せずに制限中を返す。
// cost=0は読み取りのみで、存在しないバケットを作成しない。
// ストアに到達できない場合は制限中として扱う。
func (l *Limiter) Consume(ctx context.Context, p Policy, identity string, cost int64) Result {
	key := p.Key(identity)
	limited := Result{RateLimited: true, Remaining: 0, Max: p.Max, Window: p.Window, Reset: p.Window}

	usage, err := l.store.Get(ctx, key)
	if err != nil {
		l.storeFault(ctx, p, err)
		return limited
	}

	if usage.Count >= p.Max {
		l.metrics.RecordRateLimitDecision(p.Namespace, metrics.OutcomeLimited)
		limited.Reset = usage.TTL
		return limited
	}

	if cost > 0 {
		usage, err = l.store.Increment(ctx, key, cost, p.Window)
		if err != nil {
			l.storeFault(ctx, p, err)
			return limited
		}
		// 同時consumeで他のリクエストが先に上限へ到達した場合
		if usage.Count > p.Max {
			l.metrics.RecordRateLimitDecision(p.Namespace, metrics.OutcomeLimited)
			limited.Reset = usage.TTL
			return limited
		}
	}

	reset := usage.TTL
	if reset <= 0 {
		reset = p.Window
	}

	l.metrics.RecordRateLimitDecision(p.Namespace, metrics.OutcomeAllowed)
	return Result{
		RateLimited: false,
		Remaining:   p.Max - usage.Count,
		Max:         p.Max,
		Window:      p.Window,
		Reset:       reset,
	}
}

// storeFault はストア障害をログとメトリクスに記録する。
func (l *Limiter) storeFault(ctx context.Context, p Policy, err error) {
	l.metrics.RecordRateLimitDecision(p.Namespace, metrics.OutcomeStoreError)
	l.logger.LogAttrs(ctx, slog.LevelError, "rate limit store unavailable, failing closed",
		slog.String("policy", p.Namespace),
		slog.String("error", err.Error()),
	)
}
