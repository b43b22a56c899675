package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/authgate/internal/abuse"
	"github.com/hitoshi/authgate/internal/device"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/ratelimit"
)

// HealthChecker はヘルスチェックで疎通確認するストア。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	Gatherer          prometheus.Gatherer
	Metrics           metrics.MetricsCollector
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	Cookie            middleware.CookieConfig
	SessionValidator  middleware.SessionValidator
	Limiter           *ratelimit.Limiter
	Policies          ratelimit.Policies
	Guard             *abuse.Guard
	Devices           device.Lookup
	ProxyTrust        middleware.ProxyTrust

	// 認証
	AuthService     AuthServiceInterface
	IdentityService IdentityServiceInterface
	SessionService  SessionServiceInterface

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Client → Recovery → Metrics → SecurityHeaders → CORS → CSRF
//
// /auth 配下は AbuseGuard → DDoSGuard → Session → Logging、/api 配下は AbuseGuard → Session → Logging と続き、
// ルートごとにポリシー別のレート制限を適用する。
// AbuseGuardで拒否された呼び出し元に対してはセッション検証を行わない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewClientMiddleware(deps.ProxyTrust))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(metrics.Middleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 監視用ルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.IdentityService, deps.Guard, deps.Devices, AuthHandlerConfig{Cookie: deps.Cookie})
	sessionHandler := NewSessionHandler(deps.SessionService, deps.Cookie)
	userHandler := NewUserHandler(deps.UserService, deps.Cookie)

	limit := func(p ratelimit.Policy) func(http.Handler) http.Handler {
		return middleware.NewRateLimitMiddleware(deps.Limiter, p)
	}
	read := limit(deps.Policies.Read)
	strictRead := limit(deps.Policies.StrictRead)
	mutation := limit(deps.Policies.Mutation)
	critical := limit(deps.Policies.CriticalMutation)

	session := middleware.NewSessionMiddleware(deps.SessionValidator, deps.Cookie)
	logging := middleware.NewLoggingMiddleware(slog.Default())

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.With(logging).Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// --- 認証ルート ---
		r.Route("/auth", func(r chi.Router) {
			r.Use(deps.Guard.Middleware())
			r.Use(limit(deps.Policies.DDoSGuard))
			r.Use(session)
			r.Use(logging)

			r.With(read, middleware.RequireLogin).Get("/me", authHandler.Me)
			r.With(mutation).Post("/logout", sessionHandler.Logout)

			// 固定パスを{intent}より先に登録する
			r.With(strictRead, middleware.RequireLogin).Get("/linked-providers", authHandler.LinkedProviders)
			r.Route("/sessions", func(r chi.Router) {
				r.With(strictRead, middleware.RequireLogin).Get("/", sessionHandler.List)
				r.With(critical, middleware.RequireLogin).Delete("/", sessionHandler.Revoke)
				r.With(critical, middleware.RequireLogin).Post("/revoke-others", sessionHandler.RevokeOthers)
				r.With(critical).Delete("/{revokeCode}", sessionHandler.RevokeByAccessCode)
			})

			r.With(critical, middleware.RejectAuthenticated).Post("/signin/{provider}", authHandler.SignIn)
			r.With(critical, middleware.RejectAuthenticated).Post("/signup/{provider}", authHandler.SignUp)
			r.With(critical, middleware.RequireLogin).Post("/link/{provider}", authHandler.Link)
			r.With(critical, middleware.RequireLogin).Delete("/link/{provider}", authHandler.Unlink)

			r.With(strictRead).Get("/{intent}/{provider}", authHandler.StartOAuth)
		})

		// --- 認証が必要なAPI ---
		r.Route("/api/users", func(r chi.Router) {
			r.Use(deps.Guard.Middleware())
			r.Use(session)
			r.Use(logging)
			r.Use(middleware.RequireLogin)
			r.With(critical).Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
