package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/device"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// NewRateLimitMiddleware は指定ポリシーのバケットを1リクエストにつき1消費するミドルウェアを返す。
//
// 認証済みの場合はユーザーID、未認証の場合は呼び出し元IPをバケットの識別子にする。
// 許可されたレスポンスにもX-RateLimit-*ヘッダーを付与する。
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, policy ratelimit.Policy) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Consume(r.Context(), policy, limitIdentity(r), 1)
			if res.RateLimited {
				slog.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("policy", policy.Namespace),
					slog.String("path", r.URL.Path),
				)
				WriteRateLimited(w, res)
				return
			}

			SetRateLimitHeaders(w, res)
			next.ServeHTTP(w, r)
		})
	}
}

// limitIdentity はバケットの識別子を返す。ユーザーIDとIPが衝突しないよう接頭辞を付ける。
func limitIdentity(r *http.Request) string {
	if auth, ok := reqctx.AuthFromContext(r.Context()); ok {
		return "user:" + auth.UserID()
	}
	ip := reqctx.ClientFromContext(r.Context()).IP
	if ip == "" {
		ip = device.ClientIP(r)
	}
	return "ip:" + device.LimitIdentity(ip)
}
