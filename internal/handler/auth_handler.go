// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/authgate/internal/abuse"
	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/device"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/reqctx"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// OAuthフローの開始目的
const (
	intentSignIn = "signin"
	intentSignUp = "signup"
	intentLink   = "link"
)

// AuthServiceInterface はサインイン・新規登録に必要なサービスインターフェース。
type AuthServiceInterface interface {
	AuthCodeURL(providerName, state string) (string, error)
	SignIn(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error)
	SignUp(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error)
}

// IdentityServiceInterface はアカウント連携に必要なサービスインターフェース。
type IdentityServiceInterface interface {
	Link(ctx context.Context, userID, providerName, code string) (*model.Identity, error)
	Unlink(ctx context.Context, userID, providerName string) error
	List(ctx context.Context, userID string) ([]identity.Linked, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie middleware.CookieConfig
}

// AuthHandler は認証・アカウント連携のHTTPハンドラー。
type AuthHandler struct {
	service    AuthServiceInterface
	identities IdentityServiceInterface
	guard      abuse.Charger
	devices    device.Lookup
	validate   *validator.Validate
	config     AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	service AuthServiceInterface,
	identities IdentityServiceInterface,
	guard abuse.Charger,
	devices device.Lookup,
	config AuthHandlerConfig,
) *AuthHandler {
	return &AuthHandler{
		service:    service,
		identities: identities,
		guard:      guard,
		devices:    devices,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		config:     config,
	}
}

type exchangeRequest struct {
	Code  string `json:"code" validate:"required,max=2048"`
	State string `json:"state" validate:"required,max=256"`
}

type userResponse struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	NewSignInAlerts bool      `json:"newSignInAlerts"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		Name:            u.Name,
		NewSignInAlerts: u.NewSignInAlerts,
		CreatedAt:       u.CreatedAt,
	}
}

// StartOAuth はプロバイダーの認可URLを返し、stateをCookieに保存する。
// GET /auth/{intent}/{provider}
func (h *AuthHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	intent := chi.URLParam(r, "intent")
	_, authenticated := reqctx.AuthFromContext(r.Context())

	switch intent {
	case intentSignIn, intentSignUp:
		if authenticated {
			handleServiceError(w, r, model.NewForbiddenError("既にログインしています。"))
			return
		}
	case intentLink:
		if !authenticated {
			handleServiceError(w, r, model.NewUnauthorizedError())
			return
		}
	default:
		handleServiceError(w, r, model.NewInvalidRequestError(""))
		return
	}

	state, err := generateState(intent)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	url, err := h.service.AuthCodeURL(chi.URLParam(r, "provider"), state)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// SignIn は認可コードで既存ユーザーとしてログインする。
// POST /auth/signin/{provider}
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	h.exchange(w, r, intentSignIn, h.service.SignIn, http.StatusOK)
}

// SignUp は認可コードで新規ユーザーを作成してログインする。
// POST /auth/signup/{provider}
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	h.exchange(w, r, intentSignUp, h.service.SignUp, http.StatusCreated)
}

type exchangeFunc func(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error)

func (h *AuthHandler) exchange(w http.ResponseWriter, r *http.Request, intent string, fn exchangeFunc, status int) {
	req, ok := h.decodeExchange(w, r, intent)
	if !ok {
		return
	}

	res, err := fn(r.Context(), chi.URLParam(r, "provider"), req.Code, h.devices.Lookup(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.SetSessionCookie(w, h.config.Cookie, res.Token, res.Session.DateExpires)
	writeJSON(w, status, map[string]any{
		"user":      toUserResponse(*res.User),
		"sessionId": res.Session.ID,
	})
}

// Link は認可コードで特定した外部アカウントをログイン中のユーザーに紐付ける。
// POST /auth/link/{provider}
func (h *AuthHandler) Link(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	req, ok := h.decodeExchange(w, r, intentLink)
	if !ok {
		return
	}

	linked, err := h.identities.Link(r.Context(), a.UserID(), chi.URLParam(r, "provider"), req.Code)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, identity.Linked{
		ID:                   linked.ID,
		ProviderName:         linked.ProviderName,
		ProviderAccountID:    linked.ProviderAccountID,
		ProviderAccountEmail: linked.ProviderAccountEmail,
		AvatarURL:            linked.AvatarURL,
		CreatedAt:            linked.CreatedAt,
	})
}

// Unlink はログイン中のユーザーからプロバイダーの連携を解除する。
// DELETE /auth/link/{provider}
func (h *AuthHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	if err := h.identities.Unlink(r.Context(), a.UserID(), chi.URLParam(r, "provider")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LinkedProviders は連携済みアカウントの一覧を返す。
// GET /auth/linked-providers
func (h *AuthHandler) LinkedProviders(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	list, err := h.identities.List(r.Context(), a.UserID())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	a, _ := reqctx.AuthFromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      toUserResponse(a.User),
		"sessionId": a.SessionID,
	})
}

// decodeExchange はリクエストボディを検証し、stateがCookieと一致することを確認する。
// stateの不一致は偽造リクエストとして課金する。
func (h *AuthHandler) decodeExchange(w http.ResponseWriter, r *http.Request, intent string) (exchangeRequest, bool) {
	var req exchangeRequest
	if err := decodeBody(w, r, h.validate, &req); err != nil {
		handleServiceError(w, r, err)
		return req, false
	}

	cookie, err := r.Cookie(oauthStateCookie)
	h.clearStateCookie(w)

	if err != nil || !validState(cookie.Value, req.State, intent) {
		h.guard.Charge(r.Context(), abuse.ReasonStateMismatch)
		handleServiceError(w, r, model.NewValidationFailedError("認証リクエストの状態が一致しません。"))
		return req, false
	}
	return req, true
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState は "{intent}-{random}" 形式のstateを生成する。
func generateState(intent string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return intent + "-" + hex.EncodeToString(b), nil
}

// validState はCookieのstateと送信されたstateが一致し、目的が期待どおりかを判定する。
func validState(cookieState, state, intent string) bool {
	if !strings.HasPrefix(state, intent+"-") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieState), []byte(state)) == 1
}
