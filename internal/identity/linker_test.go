package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/repository"
)

// --- テスト用フェイク ---

// memIdentityRepo はIdentityRepositoryのインメモリ実装。一意性制約を再現する。
type memIdentityRepo struct {
	mu         sync.Mutex
	identities []model.Identity

	createErr error
}

func (r *memIdentityRepo) FindByProviderAccount(_ context.Context, p, accountID string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		if id.ProviderName == p && id.ProviderAccountID == accountID {
			id := id
			return &id, nil
		}
	}
	return nil, nil
}

func (r *memIdentityRepo) FindConflicting(_ context.Context, p, accountID, email string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		if id.ProviderName == p && (id.ProviderAccountID == accountID || strings.EqualFold(id.ProviderAccountEmail, email)) {
			id := id
			return &id, nil
		}
	}
	return nil, nil
}

func (r *memIdentityRepo) FindByUserAndProvider(_ context.Context, userID, p string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		if id.UserID == userID && id.ProviderName == p {
			id := id
			return &id, nil
		}
	}
	return nil, nil
}

func (r *memIdentityRepo) ListByUserID(_ context.Context, userID string) ([]*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Identity
	for _, id := range r.identities {
		if id.UserID == userID {
			id := id
			out = append(out, &id)
		}
	}
	return out, nil
}

func (r *memIdentityRepo) CountByUserID(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.identities {
		if id.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *memIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, id := range r.identities {
		if id.ProviderName == identity.ProviderName &&
			(id.ProviderAccountID == identity.ProviderAccountID || id.UserID == identity.UserID) {
			return fmt.Errorf("insert identity: %w", repository.ErrUniqueViolation)
		}
	}
	r.identities = append(r.identities, *identity)
	return nil
}

func (r *memIdentityRepo) DeleteIfNotLast(_ context.Context, userID, p string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, idx := 0, -1
	for i, id := range r.identities {
		if id.UserID == userID {
			count++
			if id.ProviderName == p {
				idx = i
			}
		}
	}
	if idx < 0 || count < 2 {
		return 0, nil
	}
	r.identities = append(r.identities[:idx], r.identities[idx+1:]...)
	return 1, nil
}

func (r *memIdentityRepo) seed(userID, p, accountID, email string) {
	r.identities = append(r.identities, model.Identity{
		ID:                   userID + "-" + p,
		UserID:               userID,
		ProviderName:         p,
		ProviderAccountID:    accountID,
		ProviderAccountEmail: email,
	})
}

var _ repository.IdentityRepository = (*memIdentityRepo)(nil)

// stubResolver は認可コードごとに用意したプロフィールを返す。
type stubResolver struct {
	profiles map[string]*model.ProviderProfile
	err      error
}

func (s *stubResolver) Resolve(_ context.Context, providerName, code string) (*model.ProviderProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[code]
	if !ok {
		return nil, provider.ErrInvalidCode
	}
	if p.ProviderName != providerName {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, providerName)
	}
	cp := *p
	return &cp, nil
}

type mockCharger struct {
	reasons []string
}

func (m *mockCharger) Charge(_ context.Context, reason string) {
	m.reasons = append(m.reasons, reason)
}

func verifiedProfile(providerName, accountID, email string) *model.ProviderProfile {
	return &model.ProviderProfile{
		ProviderName:      providerName,
		ProviderAccountID: accountID,
		Email:             email,
		EmailVerified:     true,
	}
}

func newTestLinker(repo *memIdentityRepo, resolver *stubResolver, charger *mockCharger) *Linker {
	now := func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return NewLinker(repo, resolver, charger, now, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func assertAPIError(t *testing.T, err error, code string) *model.APIError {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Fatalf("code = %s, want %s", apiErr.Code, code)
	}
	return apiErr
}

// --- 連携 ---

func TestLink_Success(t *testing.T) {
	repo := &memIdentityRepo{}
	repo.seed("user-1", provider.GitHub, "gh-1", "alice@example.com")
	resolver := &stubResolver{profiles: map[string]*model.ProviderProfile{
		"discord-code": verifiedProfile(provider.Discord, "dc-1", "Alice@Example.com "),
	}}
	charger := &mockCharger{}
	l := newTestLinker(repo, resolver, charger)

	identity, err := l.Link(context.Background(), "user-1", provider.Discord, "discord-code")
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if identity.UserID != "user-1" || identity.ProviderName != provider.Discord || identity.ProviderAccountID != "dc-1" {
		t.Errorf("unexpected identity: %+v", identity)
	}
	if identity.ProviderAccountEmail != "alice@example.com" {
		t.Errorf("email should be normalized, got %q", identity.ProviderAccountEmail)
	}
	if n, _ := repo.CountByUserID(context.Background(), "user-1"); n != 2 {
		t.Errorf("identity count = %d, want 2", n)
	}
	if len(charger.reasons) != 0 {
		t.Errorf("successful link must not be charged: %v", charger.reasons)
	}
}

// TestLink_AccountLinkedElsewhere は他ユーザーに紐付いた外部アカウントの連携が
// 呼び出し元のユーザーに関わらず常に失敗することを検証する。
func TestLink_AccountLinkedElsewhere(t *testing.T) {
	tests := []struct {
		name    string
		profile *model.ProviderProfile
	}{
		{"同じアカウントID", verifiedProfile(provider.GitHub, "gh-victim", "attacker@example.com")},
		{"同じメールアドレス", verifiedProfile(provider.GitHub, "gh-other", "victim@example.com")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, initiator := range []string{"attacker", "bystander"} {
				repo := &memIdentityRepo{}
				repo.seed("victim", provider.GitHub, "gh-victim", "victim@example.com")
				repo.seed(initiator, provider.Discord, "dc-"+initiator, initiator+"@example.com")
				resolver := &stubResolver{profiles: map[string]*model.ProviderProfile{"code": tt.profile}}
				l := newTestLinker(repo, resolver, &mockCharger{})

				_, err := l.Link(context.Background(), initiator, provider.GitHub, "code")
				assertAPIError(t, err, model.ErrCodeConflict)

				if n, _ := repo.CountByUserID(context.Background(), initiator); n != 1 {
					t.Errorf("%s: identity count = %d, want 1", initiator, n)
				}
			}
		})
	}
}

func TestLink_OwnAccountAlreadyLinked(t *testing.T) {
	repo := &memIdentityRepo{}
	repo.seed("user-1", provider.GitHub, "gh-1", "alice@example.com")
	resolver := &stubResolver{profiles: map[string]*model.ProviderProfile{
		"code": verifiedProfile(provider.GitHub, "gh-1", "alice@example.com"),
	}}
	l := newTestLinker(repo, resolver, &mockCharger{})

	_, err := l.Link(context.Background(), "user-1", provider.GitHub, "code")
	assertAPIError(t, err, model.ErrCodeConflict)
}

func TestLink_DuplicateProviderIsCharged(t *testing.T) {
	repo := &memIdentityRepo{}
	repo.seed("user-1", provider.GitHub, "gh-1", "alice@example.com")
	resolver := &stubResolver{profiles: map[string]*model.ProviderProfile{
		"second-github": verifiedProfile(provider.GitHub, "gh-2", "alice-alt@example.com"),
	}}
	charger := &mockCharger{}
	l := newTestLinker(repo, resolver, charger)

	_, err := l.Link(context.Background(), "user-1", provider.GitHub, "second-github")
	apiErr := assertAPIError(t, err, model.ErrCodeConflict)

	if apiErr.Message != model.NewConflictError().Message {
		t.Errorf("duplicate-provider conflict should use the generic message, got %q", apiErr.Message)
	}
	if len(charger.reasons) != 1 {
		t.Errorf("charges = %d, want 1", len(charger.reasons))
	}
}

func TestLink_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		profile *model.ProviderProfile
	}{
		{"メール未検証", &model.ProviderProfile{ProviderName: provider.GitHub, ProviderAccountID: "gh-1", Email: "a@example.com"}},
		{"アカウントIDなし", verifiedProfile(provider.GitHub, "", "a@example.com")},
		{"メールなし", verifiedProfile(provider.GitHub, "gh-1", "")},
		{"メール形式不正", verifiedProfile(provider.GitHub, "gh-1", "not-an-email")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &memIdentityRepo{}
			resolver := &stubResolver{profiles: map[string]*model.ProviderProfile{"code": tt.profile}}
			l := newTestLinker(repo, resolver, &mockCharger{})

			_, err := l.Link(context.Background(), "user-1", provider.GitHub, "code")
			assertAPIError(t, err, model.ErrCodeValidationFailed)

			if len(repo.identities) != 0 {
				t.Error("no identity should be created")
			}
		})
	}
}

func TestLink_RejectedCodeIsCharged(t *testing.T) {
	charger := &mockCharger{}
	l := newTestLinker(&memIdentityRepo{}, &stubResolver{}, charger)

	_, err := l.Link(context.Background(), "user-1", provider.GitHub, "forged")
	assertAPIError(t, err, model.ErrCodeValidationFailed)

	if len(charger.reasons) != 1 {
		t.Errorf("charges = %d, want 1", len(charger.reasons))
	}
}

func TestLink_UnknownProvider(t *testing.T) {
	resolver := &stubResolver{err: fmt.Errorf("%w: myspace", provider.ErrUnknownProvider)}
	l := newTestLinker(&memIdentityRepo{}, resolver, &mockCharger{})

	_, err := l.Link(context.Background(), "user-1", "myspace", "code")
	assertAPIError(t, err, model.ErrCodeInvalidRequest)
}

func TestLink_ResolverFaultIsNotAPIError(t *testing.T) {
	resolver := &stubResolver{err: errors.New("dial tcp: i/o timeout")}
	l := newTestLinker(&memIdentityRepo{}, resolver, &mockCharger{})

	_, err := l.Link(context.Background(), "user-1", provider.GitHub, "code")
	var apiErr *model.APIError
	if err == nil || errors.As(err, &apiErr) {
		t.Errorf("upstream faults should be returned as plain errors, got %v", err)
	}
}

// TestLink_ConcurrentInsertConflict は事前確認後に一意性制約違反となった場合にConflictへ変換されることを検証する。
func TestLink_ConcurrentInsertConflict(t *testing.T) {
	repo := &memIdentityRepo{createErr: fmt.Errorf("insert: %w", repository.ErrUniqueViolation)}
	resolver := &stubResolver{profiles: map[string]*model.ProviderProfile{
		"code": verifiedProfile(provider.GitLab, "gl-1", "a@example.com"),
	}}
	l := newTestLinker(repo, resolver, &mockCharger{})

	_, err := l.Link(context.Background(), "user-1", provider.GitLab, "code")
	assertAPIError(t, err, model.ErrCodeConflict)
}

// --- 連携解除 ---

// TestUnlink_GitHubThenDiscord は[GitHub, Discord]を持つユーザーがGitHubを解除でき、
// 最後に残ったDiscordは解除できないことを検証する。
func TestUnlink_GitHubThenDiscord(t *testing.T) {
	repo := &memIdentityRepo{}
	repo.seed("user-1", provider.GitHub, "gh-1", "alice@example.com")
	repo.seed("user-1", provider.Discord, "dc-1", "alice@example.com")
	charger := &mockCharger{}
	l := newTestLinker(repo, &stubResolver{}, charger)
	ctx := context.Background()

	if err := l.Unlink(ctx, "user-1", provider.GitHub); err != nil {
		t.Fatalf("unlink github: %v", err)
	}
	if n, _ := repo.CountByUserID(ctx, "user-1"); n != 1 {
		t.Fatalf("identity count = %d, want 1", n)
	}

	err := l.Unlink(ctx, "user-1", provider.Discord)
	assertAPIError(t, err, model.ErrCodeConflict)
	if n, _ := repo.CountByUserID(ctx, "user-1"); n != 1 {
		t.Errorf("identity count = %d, want 1", n)
	}

	list, _ := l.List(ctx, "user-1")
	if len(list) != 1 || list[0].ProviderName != provider.Discord {
		t.Errorf("remaining identities = %+v, want [discord]", list)
	}
}

// TestUnlink_MissingProviderLooksLikeLastIdentity は存在しないプロバイダーの解除と
// 最後の1件の解除が区別できない応答になることを検証する。
func TestUnlink_MissingProviderLooksLikeLastIdentity(t *testing.T) {
	ctx := context.Background()

	single := &memIdentityRepo{}
	single.seed("user-1", provider.GitHub, "gh-1", "a@example.com")
	singleCharger := &mockCharger{}
	errLast := newTestLinker(single, &stubResolver{}, singleCharger).Unlink(ctx, "user-1", provider.GitHub)

	double := &memIdentityRepo{}
	double.seed("user-2", provider.GitHub, "gh-2", "b@example.com")
	double.seed("user-2", provider.Discord, "dc-2", "b@example.com")
	doubleCharger := &mockCharger{}
	errMissing := newTestLinker(double, &stubResolver{}, doubleCharger).Unlink(ctx, "user-2", provider.Google)

	a := assertAPIError(t, errLast, model.ErrCodeConflict)
	b := assertAPIError(t, errMissing, model.ErrCodeConflict)
	if a.Message != b.Message || a.Action != b.Action {
		t.Errorf("responses must be identical: %+v vs %+v", a, b)
	}

	if len(singleCharger.reasons) != 0 {
		t.Error("last-identity rejection is not charged")
	}
	if len(doubleCharger.reasons) != 1 {
		t.Errorf("missing-provider unlink charges = %d, want 1", len(doubleCharger.reasons))
	}
	if n, _ := double.CountByUserID(ctx, "user-2"); n != 2 {
		t.Errorf("identity count = %d, want 2", n)
	}
}

func TestList_Redacted(t *testing.T) {
	repo := &memIdentityRepo{}
	repo.seed("user-1", provider.GitHub, "gh-1", "a@example.com")
	repo.seed("user-2", provider.GitHub, "gh-2", "b@example.com")
	l := newTestLinker(repo, &stubResolver{}, &mockCharger{})

	list, err := l.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if list[0].ProviderAccountID != "gh-1" || list[0].ProviderAccountEmail != "a@example.com" {
		t.Errorf("unexpected entry: %+v", list[0])
	}
}

func TestList_EmptyIsNotNil(t *testing.T) {
	l := newTestLinker(&memIdentityRepo{}, &stubResolver{}, &mockCharger{})

	list, err := l.List(context.Background(), "nobody")
	if err != nil || list == nil {
		t.Errorf("List = %v, %v; want empty non-nil slice", list, err)
	}
}
