package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/abuse"
	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// --- モック定義 ---

type mockAuthService struct {
	authCodeURLFn func(providerName, state string) (string, error)
	signInFn      func(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error)
	signUpFn      func(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error)
}

func (m *mockAuthService) AuthCodeURL(providerName, state string) (string, error) {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(providerName, state)
	}
	return "https://idp.example.com/authorize?state=" + state, nil
}

func (m *mockAuthService) SignIn(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error) {
	return m.signInFn(ctx, providerName, code, device)
}

func (m *mockAuthService) SignUp(ctx context.Context, providerName, code string, device model.DeviceInfo) (*auth.Result, error) {
	return m.signUpFn(ctx, providerName, code, device)
}

type mockIdentityService struct {
	linkFn   func(ctx context.Context, userID, providerName, code string) (*model.Identity, error)
	unlinkFn func(ctx context.Context, userID, providerName string) error
	listFn   func(ctx context.Context, userID string) ([]identity.Linked, error)
}

func (m *mockIdentityService) Link(ctx context.Context, userID, providerName, code string) (*model.Identity, error) {
	return m.linkFn(ctx, userID, providerName, code)
}

func (m *mockIdentityService) Unlink(ctx context.Context, userID, providerName string) error {
	return m.unlinkFn(ctx, userID, providerName)
}

func (m *mockIdentityService) List(ctx context.Context, userID string) ([]identity.Linked, error) {
	return m.listFn(ctx, userID)
}

type mockSessionService struct {
	mu            sync.Mutex
	revoked       []string
	revokeCodeFn  func(ctx context.Context, code string) error
	revokeOthers  func(ctx context.Context, userID, current string) (int64, error)
	listSessionFn func(ctx context.Context, userID, current string) ([]sessionResponse, error)
}

func (m *mockSessionService) ListSessions(ctx context.Context, userID, current string) ([]sessionResponse, error) {
	return m.listSessionFn(ctx, userID, current)
}

func (m *mockSessionService) Revoke(_ context.Context, sessionID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, sessionID)
	return true, nil
}

func (m *mockSessionService) RevokeByAccessCode(ctx context.Context, code string) error {
	return m.revokeCodeFn(ctx, code)
}

func (m *mockSessionService) InvalidateAllOther(ctx context.Context, userID, current string) (int64, error) {
	return m.revokeOthers(ctx, userID, current)
}

type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	return m.withdrawFn(ctx, userID)
}

// mockValidator は既知のトークンのみを有効とするSessionValidator。
type mockValidator struct {
	mu       sync.Mutex
	calls    int
	sessions map[string]reqctx.Auth
}

func (m *mockValidator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockValidator) Validate(_ context.Context, token string) (reqctx.Auth, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	a, ok := m.sessions[token]
	if !ok {
		return reqctx.Auth{}, model.ErrInvalidSession
	}
	return a, nil
}

type staticDevices struct{}

func (staticDevices) Lookup(r *http.Request) model.DeviceInfo {
	return model.DeviceInfo{IP: reqctx.ClientFromContext(r.Context()).IP, Browser: "Firefox", OS: "Linux"}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var (
	_ AuthServiceInterface        = (*mockAuthService)(nil)
	_ IdentityServiceInterface    = (*mockIdentityService)(nil)
	_ SessionServiceInterface     = (*mockSessionService)(nil)
	_ UserServiceInterface        = (*mockUserService)(nil)
	_ middleware.SessionValidator = (*mockValidator)(nil)
)

// --- テスト環境 ---

const (
	testToken     = "valid-token"
	testSessionID = "session-1"
	testCSRF      = "csrf-token"
)

var testUser = model.User{ID: "user-1", Email: "alice@example.com", Name: "Alice", NewSignInAlerts: true}

type testEnv struct {
	router     http.Handler
	auth       *mockAuthService
	identities *mockIdentityService
	sessions   *mockSessionService
	users      *mockUserService
	validator  *mockValidator
	guard      *abuse.Guard
	clock      *fakeClock
}

// newTestEnv はモックで構成したルーターを生成する。optsでRouterDepsを上書きできる。
func newTestEnv(t *testing.T, opts ...func(*RouterDeps)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clock.Now), nil, logger)

	policies := ratelimit.DefaultPolicies()
	// 不正試行の上限を検証するため、ルート別の上限は十分大きくする
	policies.CriticalMutation.Max = 1000
	policies.StrictRead.Max = 1000

	validator := &mockValidator{sessions: map[string]reqctx.Auth{
		testToken: {User: testUser, SessionID: testSessionID},
	}}
	env := &testEnv{
		auth:       &mockAuthService{},
		identities: &mockIdentityService{},
		sessions:   &mockSessionService{},
		users:      &mockUserService{},
		validator:  validator,
		guard:      abuse.NewGuard(limiter, policies.InvalidAuthAttempt, nil, logger),
		clock:      clock,
	}

	deps := &RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		Cookie:            middleware.CookieConfig{Name: "auth-token"},
		SessionValidator:  env.validator,
		Limiter:           limiter,
		Policies:          policies,
		Guard:             env.guard,
		Devices:           staticDevices{},
		AuthService:       env.auth,
		IdentityService:   env.identities,
		SessionService:    env.sessions,
		UserService:       env.users,
	}
	for _, opt := range opts {
		opt(deps)
	}
	env.router = NewRouter(deps)
	return env
}

// request はCSRFトークン付きのリクエストを生成する。loggedInの場合はセッションCookieも付与する。
func newRequest(method, target string, body io.Reader, loggedIn bool) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRF})
	req.Header.Set("X-CSRF-Token", testCSRF)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if loggedIn {
		req.AddCookie(&http.Cookie{Name: "auth-token", Value: testToken})
	}
	return req
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
