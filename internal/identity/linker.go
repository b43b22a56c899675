// Package identity は外部IdPアカウントとローカルユーザーの紐付けを管理する。
//
// 紐付けの一意性（プロバイダー内でアカウントIDとメールアドレスはそれぞれ1件まで、
// 1ユーザーにつき1プロバイダー1件まで）と、ユーザーが常に1件以上の認証手段を
// 保持することを保証する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/abuse"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/repository"
)

// 連携操作の結果ラベル
const (
	outcomeLinked           = "linked"
	outcomeUnlinked         = "unlinked"
	outcomeConflict         = "conflict"
	outcomeValidationFailed = "validation_failed"
)

// ProfileResolver はプロバイダー名と認可コードからプロフィールを解決する。
// provider.Registry が実装する。
type ProfileResolver interface {
	Resolve(ctx context.Context, providerName, code string) (*model.ProviderProfile, error)
}

// Linked はAPIで返す連携済みアカウントの表現。トークン等の秘匿情報は含まない。
type Linked struct {
	ID                   string    `json:"id"`
	ProviderName         string    `json:"providerName"`
	ProviderAccountID    string    `json:"providerAccountId"`
	ProviderAccountEmail string    `json:"providerAccountEmail"`
	AvatarURL            string    `json:"avatarUrl,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Linker はアカウント連携のビジネスロジックを提供する。
type Linker struct {
	identities repository.IdentityRepository
	resolver   ProfileResolver
	guard      abuse.Charger
	validate   *validator.Validate
	now        func() time.Time
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewLinker は新しいLinkerを生成する。nowがnilの場合はtime.Nowを使用する。
func NewLinker(
	identities repository.IdentityRepository,
	resolver ProfileResolver,
	guard abuse.Charger,
	now func() time.Time,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Linker {
	if now == nil {
		now = time.Now
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		identities: identities,
		resolver:   resolver,
		guard:      guard,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        now,
		metrics:    collector,
		logger:     logger,
	}
}

// ResolveProfile は認可コードを検証済みのプロフィールに解決する。
//
// IdPがコードを拒否した場合は偽造・再利用とみなして課金する。
// プロフィールが不完全、またはメールアドレスが未検証の場合は ValidationFailed を返す。
func (l *Linker) ResolveProfile(ctx context.Context, providerName, code string) (*model.ProviderProfile, error) {
	profile, err := l.resolver.Resolve(ctx, providerName, code)
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		return nil, model.NewInvalidRequestError("指定されたプロバイダーは利用できません。")
	case errors.Is(err, provider.ErrInvalidCode):
		l.guard.Charge(ctx, abuse.ReasonInvalidCode)
		return nil, l.validationFailed("認可コードが無効です。")
	case err != nil:
		return nil, fmt.Errorf("failed to resolve provider profile: %w", err)
	}

	if profile.ProviderName != providerName {
		return nil, l.validationFailed("プロバイダーの応答が一致しません。")
	}
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))
	if err := l.validate.Struct(profile); err != nil {
		return nil, l.validationFailed("外部アカウントのプロフィールが不完全です。")
	}
	if !profile.EmailVerified {
		return nil, l.validationFailed("外部アカウントのメールアドレスが確認されていません。")
	}
	return profile, nil
}

// Link は認可コードで特定した外部アカウントをユーザーに紐付ける。
//
// 同じプロバイダーでアカウントIDまたはメールアドレスが一致するidentityが
// いずれかのユーザーに存在する場合は Conflict を返す。
// ユーザーが既に同じプロバイダーを連携している場合は課金した上で Conflict を返す。
func (l *Linker) Link(ctx context.Context, userID, providerName, code string) (*model.Identity, error) {
	profile, err := l.ResolveProfile(ctx, providerName, code)
	if err != nil {
		return nil, err
	}

	conflicting, err := l.identities.FindConflicting(ctx, profile.ProviderName, profile.ProviderAccountID, profile.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check conflicting identity: %w", err)
	}
	if conflicting != nil {
		l.metrics.RecordIdentityLink(outcomeConflict)
		return nil, model.NewAccountAlreadyLinkedError()
	}

	existing, err := l.identities.FindByUserAndProvider(ctx, userID, profile.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("failed to find user identity: %w", err)
	}
	if existing != nil {
		l.guard.Charge(ctx, abuse.ReasonDuplicateProvider)
		l.metrics.RecordIdentityLink(outcomeConflict)
		return nil, model.NewConflictError()
	}

	identity := &model.Identity{
		ID:                   uuid.New().String(),
		UserID:               userID,
		ProviderName:         profile.ProviderName,
		ProviderAccountID:    profile.ProviderAccountID,
		ProviderAccountEmail: profile.Email,
		AvatarURL:            profile.AvatarURL,
		CreatedAt:            l.now(),
	}
	if err := l.identities.Create(ctx, identity); err != nil {
		// 確認後に並行リクエストが先に作成した場合
		if repository.IsUniqueViolation(err) {
			l.metrics.RecordIdentityLink(outcomeConflict)
			return nil, model.NewConflictError()
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	l.metrics.RecordIdentityLink(outcomeLinked)
	l.logger.LogAttrs(ctx, slog.LevelInfo, "identity linked",
		slog.String("user_id", userID),
		slog.String("provider", identity.ProviderName),
	)
	return identity, nil
}

// Unlink はユーザーのプロバイダー別identityを削除する。
//
// 連携数が2未満の場合と、該当するidentityが存在しない場合は同じ汎用 Conflict を返す。
// 後者は不正試行として課金する。
func (l *Linker) Unlink(ctx context.Context, userID, providerName string) error {
	count, err := l.identities.CountByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count identities: %w", err)
	}
	if count < 2 {
		l.metrics.RecordIdentityLink(outcomeConflict)
		return model.NewConflictError()
	}

	deleted, err := l.identities.DeleteIfNotLast(ctx, userID, providerName)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	if deleted == 0 {
		l.guard.Charge(ctx, abuse.ReasonUnlinkMissing)
		l.metrics.RecordIdentityLink(outcomeConflict)
		return model.NewConflictError()
	}

	l.metrics.RecordIdentityLink(outcomeUnlinked)
	l.logger.LogAttrs(ctx, slog.LevelInfo, "identity unlinked",
		slog.String("user_id", userID),
		slog.String("provider", providerName),
	)
	return nil
}

// List はユーザーの連携済みアカウントを返す。
func (l *Linker) List(ctx context.Context, userID string) ([]Linked, error) {
	identities, err := l.identities.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	out := make([]Linked, 0, len(identities))
	for _, id := range identities {
		out = append(out, Linked{
			ID:                   id.ID,
			ProviderName:         id.ProviderName,
			ProviderAccountID:    id.ProviderAccountID,
			ProviderAccountEmail: id.ProviderAccountEmail,
			AvatarURL:            id.AvatarURL,
			CreatedAt:            id.CreatedAt,
		})
	}
	return out, nil
}

func (l *Linker) validationFailed(reason string) *model.APIError {
	l.metrics.RecordIdentityLink(outcomeValidationFailed)
	return model.NewValidationFailedError(reason)
}
