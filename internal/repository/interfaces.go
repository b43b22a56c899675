// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrUniqueViolation は一意性制約違反を表す。
// 同時に同じ外部アカウントを連携しようとした場合などに返る。
var ErrUniqueViolation = errors.New("unique constraint violation")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAccount はproviderとアカウントIDでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAccount(ctx context.Context, provider, accountID string) (*model.Identity, error)

	// FindConflicting は同じproviderで、アカウントIDまたはメールアドレスが一致する
	// identityをユーザーを問わず検索する。見つからない場合はnilを返す。
	FindConflicting(ctx context.Context, provider, accountID, email string) (*model.Identity, error)

	// FindByUserAndProvider はユーザーのprovider別identityを検索する。見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Identity, error)

	// ListByUserID はユーザーの全identityを作成日時の昇順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error)

	// CountByUserID はユーザーのidentity数を返す。
	CountByUserID(ctx context.Context, userID string) (int, error)

	// Create はidentityを作成する。一意性制約違反はErrUniqueViolationでラップして返す。
	Create(ctx context.Context, identity *model.Identity) error

	// DeleteIfNotLast はユーザーのprovider別identityを削除する。
	// ユーザー行をロックした上で、削除後に1件以上残る場合のみ削除する。
	// 削除件数を返す。
	DeleteIfNotLast(ctx context.Context, userID, provider string) (int64, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを期限に関わらず取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Touch は最終アクティブ日時を更新し、有効期限をexpiresまで延長する。
	// 有効期限は後ろにしか動かない。更新後の有効期限を返し、行が存在しない場合foundはfalse。
	Touch(ctx context.Context, id string, lastActive, expires time.Time) (stored time.Time, found bool, err error)

	// ListByUserID はユーザーの全セッションを作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Session, error)

	// DeleteByID は指定IDのセッションを削除する。削除した場合にtrueを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)

	// DeleteByIDAndUser は指定ユーザーが所有するセッションのみ削除する。
	DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error)

	// DeleteByRevokeCode は取り消しコードのハッシュに一致するセッションを削除する。
	DeleteByRevokeCode(ctx context.Context, codeHash string) (bool, error)

	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)

	// DeleteByUserIDExcept は指定ユーザーのkeepID以外の全セッションを削除する。
	DeleteByUserIDExcept(ctx context.Context, userID, keepID string) (int64, error)

	// DeleteExpired はbefore時点で期限切れの全セッションを削除する。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// uniqueViolation はPostgreSQLのunique_violation（23505）。
const uniqueViolation = pq.ErrorCode("23505")

// IsUniqueViolation はerrがPostgreSQLの一意性制約違反かどうかを判定する。
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
