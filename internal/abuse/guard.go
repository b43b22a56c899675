// Package abuse は不正な認証操作を呼び出し元IP単位で数え、
// 上限に達した呼び出し元を認証系ルートの手前で拒否する。
// 恒久的なBANは行わず、バケットのウィンドウ経過で自動的に解除される。
package abuse

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/device"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// 課金理由
const (
	ReasonInvalidRevokeCode = "invalid_revoke_code"
	ReasonDuplicateProvider = "duplicate_provider"
	ReasonUnlinkMissing     = "unlink_missing"
	ReasonInvalidCode       = "invalid_exchange_code"
	ReasonStateMismatch     = "state_mismatch"
)

// unknownClient はIPを特定できなかった呼び出し元をまとめて扱うための識別子。
const unknownClient = "unknown"

// Charger は不正試行を課金するインターフェース。
// セッション管理とアカウント連携から利用する。
type Charger interface {
	Charge(ctx context.Context, reason string)
}

// Guard は不正試行用バケットを操作する。
type Guard struct {
	limiter *ratelimit.Limiter
	policy  ratelimit.Policy
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

var _ Charger = (*Guard)(nil)

// NewGuard は新しいGuardを生成する。policyには通常 ratelimit.Policies.InvalidAuthAttempt を渡す。
func NewGuard(limiter *ratelimit.Limiter, policy ratelimit.Policy, collector metrics.MetricsCollector, logger *slog.Logger) *Guard {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		limiter: limiter,
		policy:  policy,
		metrics: collector,
		logger:  logger,
	}
}

// Check はバケットを消費せずに呼び出し元の状態を返す。
func (g *Guard) Check(ctx context.Context) ratelimit.Result {
	return g.limiter.Consume(ctx, g.policy, identityFrom(ctx), 0)
}

// Charge は呼び出し元のバケットを1消費する。
// 既に失敗しているリクエストに対して呼ぶため、結果は呼び出し元に返さない。
func (g *Guard) Charge(ctx context.Context, reason string) {
	client := reqctx.ClientFromContext(ctx)
	res := g.limiter.Consume(ctx, g.policy, identityFrom(ctx), 1)

	g.metrics.RecordAbuseCharge(reason)
	g.logger.LogAttrs(ctx, slog.LevelWarn, "invalid auth attempt charged",
		slog.String("reason", reason),
		slog.String("ip", client.IP),
		slog.Int64("remaining", res.Remaining),
		slog.Bool("limited", res.RateLimited),
	)
}

// Middleware は認証系ルートの前段に置く事前チェックミドルウェアを返す。
// バケットが上限に達している呼び出し元は、後続のハンドラーを実行せずに429で拒否する。
func (g *Guard) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := g.Check(r.Context())
			if res.RateLimited {
				g.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected by abuse guard",
					slog.String("ip", reqctx.ClientFromContext(r.Context()).IP),
					slog.String("path", r.URL.Path),
				)
				middleware.WriteRateLimited(w, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identityFrom はバケットキーに使う呼び出し元の識別子を返す。
func identityFrom(ctx context.Context) string {
	ip := reqctx.ClientFromContext(ctx).IP
	if ip == "" {
		return unknownClient
	}
	return device.LimitIdentity(ip)
}
