// Package auth は外部プロバイダーによるサインイン・新規登録のフローを提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/session"
)

// ProfileResolver は認可コードを検証済みのプロフィールに解決する。
// identity.Linker が実装する。
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, providerName, code string) (*model.ProviderProfile, error)
}

// SessionCreator はセッションを発行する。session.Manager が実装する。
type SessionCreator interface {
	Create(ctx context.Context, p session.CreateParams) (string, *model.Session, error)
}

// ProviderSource は有効なプロバイダーを名前で引く。provider.Registry が実装する。
type ProviderSource interface {
	Get(name string) (provider.Resolver, error)
}

// Result はサインイン・新規登録の結果。Tokenは生のセッショントークンでCookieにのみ設定する。
type Result struct {
	Token   string
	Session *model.Session
	User    *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers  ProviderSource
	resolver   ProfileResolver
	users      repository.UserRepository
	identities repository.IdentityRepository
	sessions   SessionCreator
	now        func() time.Time
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	providers ProviderSource,
	resolver ProfileResolver,
	users repository.UserRepository,
	identities repository.IdentityRepository,
	sessions SessionCreator,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		providers:  providers,
		resolver:   resolver,
		users:      users,
		identities: identities,
		sessions:   sessions,
		now:        time.Now,
		logger:     logger,
	}
}

// AuthCodeURL はプロバイダーの認可URLを生成する。
func (s *Service) AuthCodeURL(providerName, state string) (string, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return "", model.NewInvalidRequestError("指定されたプロバイダーは利用できません。")
	}
	return p.AuthCodeURL(state), nil
}

// SignIn は外部アカウントに紐付いた既存ユーザーのセッションを発行する。
func (s *Service) SignIn(ctx context.Context, providerName, code string, device model.DeviceInfo) (*Result, error) {
	profile, err := s.resolver.ResolveProfile(ctx, providerName, code)
	if err != nil {
		return nil, err
	}

	identity, err := s.identities.FindByProviderAccount(ctx, profile.ProviderName, profile.ProviderAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, model.NewUnknownAccountError()
	}

	user, err := s.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	token, sess, err := s.sessions.Create(ctx, session.CreateParams{
		UserID:       user.ID,
		ProviderName: profile.ProviderName,
		Device:       device,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "user signed in",
		slog.String("user_id", user.ID),
		slog.String("provider", profile.ProviderName),
	)
	return &Result{Token: token, Session: sess, User: user}, nil
}

// SignUp は外部アカウントから新しいユーザーとidentityを作成し、初回セッションを発行する。
// 外部アカウントまたはメールアドレスが既に使われている場合は Conflict を返す。
func (s *Service) SignUp(ctx context.Context, providerName, code string, device model.DeviceInfo) (*Result, error) {
	profile, err := s.resolver.ResolveProfile(ctx, providerName, code)
	if err != nil {
		return nil, err
	}

	conflicting, err := s.identities.FindConflicting(ctx, profile.ProviderName, profile.ProviderAccountID, profile.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check conflicting identity: %w", err)
	}
	if conflicting != nil {
		return nil, model.NewAccountAlreadyLinkedError()
	}

	now := s.now()
	user := &model.User{
		ID:              uuid.New().String(),
		Email:           profile.Email,
		Name:            displayName(profile),
		NewSignInAlerts: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	identity := &model.Identity{
		ID:                   uuid.New().String(),
		UserID:               user.ID,
		ProviderName:         profile.ProviderName,
		ProviderAccountID:    profile.ProviderAccountID,
		ProviderAccountEmail: profile.Email,
		AvatarURL:            profile.AvatarURL,
		CreatedAt:            now,
	}

	if err := s.users.CreateWithIdentity(ctx, user, identity); err != nil {
		// 同じメールアドレスのユーザーが存在する、または並行登録に負けた場合
		if repository.IsUniqueViolation(err) {
			return nil, model.NewAccountAlreadyLinkedError()
		}
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	token, sess, err := s.sessions.Create(ctx, session.CreateParams{
		UserID:        user.ID,
		ProviderName:  profile.ProviderName,
		Device:        device,
		IsFirstSignIn: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", profile.ProviderName),
	)
	return &Result{Token: token, Session: sess, User: user}, nil
}

// maxNameLength はusers.nameの最大文字数。
const maxNameLength = 255

// displayName はプロフィール名が空の場合にメールアドレスのローカル部を使う。
func displayName(p *model.ProviderProfile) string {
	if name := strings.TrimSpace(p.Name); name != "" {
		if utf8.RuneCountInString(name) > maxNameLength {
			name = string([]rune(name)[:maxNameLength])
		}
		return name
	}
	local, _, _ := strings.Cut(p.Email, "@")
	return local
}
