// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// SessionValidator はセッショントークンの検証に必要なインターフェース。
// session.Manager が実装する。
type SessionValidator interface {
	Validate(ctx context.Context, token string) (reqctx.Auth, error)
}

// CookieConfig はセッションCookieの設定。
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

// SetSessionCookie はセッショントークンをHttpOnly Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, cfg CookieConfig, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    token,
		Path:     "/",
		Domain:   cfg.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewSessionMiddleware はHttpOnly Cookieからセッショントークンを読み取り、
// 有効な場合のみ認証済みコンテキストをリクエストに注入するミドルウェアを返す。
//
// Cookieがない場合はそのまま後続に渡す。無効なトークンの場合はCookieを削除して後続に渡す。
// 認証を必須とするルートでは RequireLogin を併用する。
func NewSessionMiddleware(validator SessionValidator, cfg CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cfg.Name)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth, err := validator.Validate(r.Context(), cookie.Value)
			if errors.Is(err, model.ErrInvalidSession) {
				ClearSessionCookie(w, cfg)
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				slog.ErrorContext(r.Context(), "failed to validate session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			if auth.Renewed {
				SetSessionCookie(w, cfg, cookie.Value, auth.ExpiresAt)
			}

			next.ServeHTTP(w, r.WithContext(reqctx.WithAuth(r.Context(), auth)))
		})
	}
}

// RequireLogin は認証済みコンテキストがないリクエストを401で拒否する。
func RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := reqctx.AuthFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RejectAuthenticated は既にログイン済みのリクエストを403で拒否する。
// サインイン・新規登録ルートで使用する。
func RejectAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := reqctx.AuthFromContext(r.Context()); ok {
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("既にログインしています。"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
