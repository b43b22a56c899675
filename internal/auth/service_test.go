package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/session"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockIdentityRepo struct {
	findByProviderAccountFn func(ctx context.Context, p, accountID string) (*model.Identity, error)
	findConflictingFn       func(ctx context.Context, p, accountID, email string) (*model.Identity, error)
}

func (m *mockIdentityRepo) FindByProviderAccount(ctx context.Context, p, accountID string) (*model.Identity, error) {
	if m.findByProviderAccountFn != nil {
		return m.findByProviderAccountFn(ctx, p, accountID)
	}
	return nil, nil
}

func (m *mockIdentityRepo) FindConflicting(ctx context.Context, p, accountID, email string) (*model.Identity, error) {
	if m.findConflictingFn != nil {
		return m.findConflictingFn(ctx, p, accountID, email)
	}
	return nil, nil
}

func (m *mockIdentityRepo) FindByUserAndProvider(context.Context, string, string) (*model.Identity, error) {
	return nil, nil
}

func (m *mockIdentityRepo) ListByUserID(context.Context, string) ([]*model.Identity, error) {
	return nil, nil
}

func (m *mockIdentityRepo) CountByUserID(context.Context, string) (int, error) {
	return 0, nil
}

func (m *mockIdentityRepo) Create(context.Context, *model.Identity) error {
	return nil
}

func (m *mockIdentityRepo) DeleteIfNotLast(context.Context, string, string) (int64, error) {
	return 0, nil
}

type mockResolver struct {
	resolveFn func(ctx context.Context, providerName, code string) (*model.ProviderProfile, error)
}

func (m *mockResolver) ResolveProfile(ctx context.Context, providerName, code string) (*model.ProviderProfile, error) {
	return m.resolveFn(ctx, providerName, code)
}

type mockSessions struct {
	params   []session.CreateParams
	createFn func(ctx context.Context, p session.CreateParams) (string, *model.Session, error)
}

func (m *mockSessions) Create(ctx context.Context, p session.CreateParams) (string, *model.Session, error) {
	m.params = append(m.params, p)
	if m.createFn != nil {
		return m.createFn(ctx, p)
	}
	return "raw-token", &model.Session{ID: "session-hash", UserID: p.UserID}, nil
}

type fakeProvider struct {
	name string
}

func (f fakeProvider) Name() string { return f.name }
func (f fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}
func (f fakeProvider) Resolve(context.Context, string) (*model.ProviderProfile, error) {
	return nil, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ ProfileResolver = (*mockResolver)(nil)
var _ SessionCreator = (*mockSessions)(nil)

func githubProfile() *model.ProviderProfile {
	return &model.ProviderProfile{
		ProviderName:      provider.GitHub,
		ProviderAccountID: "gh-42",
		Email:             "alice@example.com",
		EmailVerified:     true,
		Name:              "Alice",
	}
}

func staticResolver(p *model.ProviderProfile) *mockResolver {
	return &mockResolver{resolveFn: func(context.Context, string, string) (*model.ProviderProfile, error) {
		return p, nil
	}}
}

func newTestService(resolver ProfileResolver, users *mockUserRepo, identities *mockIdentityRepo, sessions *mockSessions) *Service {
	registry := provider.NewRegistry(fakeProvider{name: provider.GitHub})
	return NewService(registry, resolver, users, identities, sessions, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// --- テスト ---

func TestAuthCodeURL(t *testing.T) {
	svc := newTestService(nil, &mockUserRepo{}, &mockIdentityRepo{}, &mockSessions{})

	url, err := svc.AuthCodeURL(provider.GitHub, "signin-abc")
	if err != nil {
		t.Fatalf("AuthCodeURL returned error: %v", err)
	}
	if !strings.HasSuffix(url, "state=signin-abc") {
		t.Errorf("url = %q, want state embedded", url)
	}

	_, err = svc.AuthCodeURL("myspace", "signin-abc")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
		t.Errorf("expected INVALID_REQUEST for unknown provider, got %v", err)
	}
}

func TestSignIn_ExistingIdentity(t *testing.T) {
	identities := &mockIdentityRepo{
		findByProviderAccountFn: func(_ context.Context, p, accountID string) (*model.Identity, error) {
			if p != provider.GitHub || accountID != "gh-42" {
				t.Errorf("unexpected lookup %s/%s", p, accountID)
			}
			return &model.Identity{UserID: "user-1", ProviderName: p, ProviderAccountID: accountID}, nil
		},
	}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "alice@example.com"}, nil
		},
	}
	sessions := &mockSessions{}
	svc := newTestService(staticResolver(githubProfile()), users, identities, sessions)

	device := model.DeviceInfo{IP: "203.0.113.5", Browser: "Firefox"}
	res, err := svc.SignIn(context.Background(), provider.GitHub, "code", device)
	if err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	if res.Token != "raw-token" || res.User.ID != "user-1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(sessions.params) != 1 {
		t.Fatalf("sessions created = %d, want 1", len(sessions.params))
	}
	p := sessions.params[0]
	if p.IsFirstSignIn {
		t.Error("sign-in must not be flagged as first sign-in")
	}
	if p.ProviderName != provider.GitHub || p.Device != device {
		t.Errorf("unexpected create params: %+v", p)
	}
}

func TestSignIn_UnknownAccount(t *testing.T) {
	sessions := &mockSessions{}
	svc := newTestService(staticResolver(githubProfile()), &mockUserRepo{}, &mockIdentityRepo{}, sessions)

	_, err := svc.SignIn(context.Background(), provider.GitHub, "code", model.DeviceInfo{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Fatalf("expected USER_NOT_FOUND, got %v", err)
	}
	if len(sessions.params) != 0 {
		t.Error("no session should be created")
	}
}

func TestSignIn_ResolveErrorIsPassedThrough(t *testing.T) {
	want := model.NewValidationFailedError("認可コードが無効です。")
	resolver := &mockResolver{resolveFn: func(context.Context, string, string) (*model.ProviderProfile, error) {
		return nil, want
	}}
	svc := newTestService(resolver, &mockUserRepo{}, &mockIdentityRepo{}, &mockSessions{})

	_, err := svc.SignIn(context.Background(), provider.GitHub, "bad", model.DeviceInfo{})
	if err != want {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestSignIn_SessionFailure(t *testing.T) {
	identities := &mockIdentityRepo{
		findByProviderAccountFn: func(context.Context, string, string) (*model.Identity, error) {
			return &model.Identity{UserID: "user-1"}, nil
		},
	}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
	}
	sessions := &mockSessions{createFn: func(context.Context, session.CreateParams) (string, *model.Session, error) {
		return "", nil, errors.New("connection refused")
	}}
	svc := newTestService(staticResolver(githubProfile()), users, identities, sessions)

	_, err := svc.SignIn(context.Background(), provider.GitHub, "code", model.DeviceInfo{})
	var apiErr *model.APIError
	if err == nil || errors.As(err, &apiErr) {
		t.Errorf("store faults must surface as plain errors, got %v", err)
	}
}

func TestSignUp_CreatesUserIdentityAndFirstSession(t *testing.T) {
	var createdUser *model.User
	var createdIdentity *model.Identity
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, u *model.User, i *model.Identity) error {
			createdUser, createdIdentity = u, i
			return nil
		},
	}
	sessions := &mockSessions{}
	svc := newTestService(staticResolver(githubProfile()), users, &mockIdentityRepo{}, sessions)

	res, err := svc.SignUp(context.Background(), provider.GitHub, "code", model.DeviceInfo{IP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if createdUser == nil || createdIdentity == nil {
		t.Fatal("user and identity should be created together")
	}
	if createdIdentity.UserID != createdUser.ID {
		t.Error("identity must belong to the new user")
	}
	if createdUser.Email != "alice@example.com" || createdUser.Name != "Alice" || !createdUser.NewSignInAlerts {
		t.Errorf("unexpected user: %+v", createdUser)
	}
	if createdIdentity.ProviderAccountID != "gh-42" || createdIdentity.ProviderAccountEmail != "alice@example.com" {
		t.Errorf("unexpected identity: %+v", createdIdentity)
	}
	if len(sessions.params) != 1 || !sessions.params[0].IsFirstSignIn {
		t.Errorf("first session should be flagged, got %+v", sessions.params)
	}
	if res.User.ID != createdUser.ID {
		t.Error("result should carry the new user")
	}
}

func TestSignUp_ExistingAccountConflicts(t *testing.T) {
	identities := &mockIdentityRepo{
		findConflictingFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return &model.Identity{UserID: "someone-else"}, nil
		},
	}
	users := &mockUserRepo{
		createWithIdentityFn: func(context.Context, *model.User, *model.Identity) error {
			t.Error("user must not be created")
			return nil
		},
	}
	svc := newTestService(staticResolver(githubProfile()), users, identities, &mockSessions{})

	_, err := svc.SignUp(context.Background(), provider.GitHub, "code", model.DeviceInfo{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %v", err)
	}
}

func TestSignUp_UniqueViolationConflicts(t *testing.T) {
	users := &mockUserRepo{
		createWithIdentityFn: func(context.Context, *model.User, *model.Identity) error {
			return fmt.Errorf("insert user: %w", repository.ErrUniqueViolation)
		},
	}
	sessions := &mockSessions{}
	svc := newTestService(staticResolver(githubProfile()), users, &mockIdentityRepo{}, sessions)

	_, err := svc.SignUp(context.Background(), provider.GitHub, "code", model.DeviceInfo{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %v", err)
	}
	if len(sessions.params) != 0 {
		t.Error("no session should be created")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		profile model.ProviderProfile
		want    string
	}{
		{"プロフィール名", model.ProviderProfile{Name: " Alice ", Email: "a@example.com"}, "Alice"},
		{"名前なし", model.ProviderProfile{Email: "bob@example.com"}, "bob"},
		{"長すぎる名前", model.ProviderProfile{Name: strings.Repeat("あ", 300)}, strings.Repeat("あ", maxNameLength)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := displayName(&tt.profile); got != tt.want {
				t.Errorf("displayName = %q, want %q", got, tt.want)
			}
		})
	}
}
