package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, new_sign_in_alerts, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.Name, &user.NewSignInAlerts, &user.CreatedAt, &user.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}

// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, email, name, new_sign_in_alerts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			user.ID, user.Email, user.Name, user.NewSignInAlerts, user.CreatedAt, user.UpdatedAt,
		)
		if err != nil {
			return wrapUnique("failed to insert user", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO identities (id, user_id, provider_name, provider_account_id, provider_account_email, avatar_url, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			identity.ID, identity.UserID, identity.ProviderName, identity.ProviderAccountID,
			identity.ProviderAccountEmail, identity.AvatarURL, identity.CreatedAt,
		)
		if err != nil {
			return wrapUnique("failed to insert identity", err)
		}
		return nil
	})
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するidentities、sessionsはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// wrapUnique は一意性制約違反をErrUniqueViolationでラップする。
func wrapUnique(msg string, err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %v", msg, ErrUniqueViolation, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
