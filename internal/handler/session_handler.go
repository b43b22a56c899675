package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// SessionServiceInterface はセッション管理ハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	ListSessions(ctx context.Context, userID, currentSessionID string) ([]sessionResponse, error)
	Revoke(ctx context.Context, sessionID, requestingUserID string) (bool, error)
	RevokeByAccessCode(ctx context.Context, code string) error
	InvalidateAllOther(ctx context.Context, userID, currentSessionID string) (int64, error)
}

// sessionResponse はAPIで返すセッションの表現。取り消しコードは含まない。
type sessionResponse struct {
	ID             string    `json:"id"`
	ProviderName   string    `json:"providerName"`
	OS             string    `json:"os"`
	Browser        string    `json:"browser"`
	IP             string    `json:"ip"`
	City           string    `json:"city"`
	Country        string    `json:"country"`
	Current        bool      `json:"current"`
	DateCreated    time.Time `json:"dateCreated"`
	DateExpires    time.Time `json:"dateExpires"`
	DateLastActive time.Time `json:"dateLastActive"`
}

// SessionHandler はセッション管理のHTTPハンドラー。
type SessionHandler struct {
	service  SessionServiceInterface
	cookie   middleware.CookieConfig
	validate *validator.Validate
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface, cookie middleware.CookieConfig) *SessionHandler {
	return &SessionHandler{
		service:  service,
		cookie:   cookie,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type revokeRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,max=256"`
}

// List はログイン中のユーザーのセッション一覧を新しい順に返す。
// GET /auth/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	sessions, err := h.service.ListSessions(r.Context(), a.UserID(), a.SessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Revoke は指定したセッション（省略時は現在のセッション）を取り消す。
// 現在のセッションを取り消した場合はCookieも削除する。
// DELETE /auth/sessions
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	var req revokeRequest
	if err := decodeBody(w, r, h.validate, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	target := req.SessionID
	if target == "" {
		target = a.SessionID
	}

	if _, err := h.service.Revoke(r.Context(), target, a.UserID()); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if target == a.SessionID {
		middleware.ClearSessionCookie(w, h.cookie)
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeOthers は現在のセッション以外をすべて取り消す。
// POST /auth/sessions/revoke-others
func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	n, err := h.service.InvalidateAllOther(r.Context(), a.UserID(), a.SessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

// RevokeByAccessCode は通知メールの取り消しリンクからセッションを取り消す。ログイン不要。
// DELETE /auth/sessions/{revokeCode}
func (h *SessionHandler) RevokeByAccessCode(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RevokeByAccessCode(r.Context(), chi.URLParam(r, "revokeCode")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logout は現在のセッションを取り消し、Cookieを削除する。未ログインでも成功する。
// POST /auth/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if a, ok := reqctx.AuthFromContext(r.Context()); ok {
		if _, err := h.service.Revoke(r.Context(), a.SessionID, a.UserID()); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}

	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}
