package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityColumns = `id, user_id, provider_name, provider_account_id, provider_account_email, avatar_url, created_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(s rowScanner) (*model.Identity, error) {
	identity := &model.Identity{}
	err := s.Scan(
		&identity.ID, &identity.UserID, &identity.ProviderName, &identity.ProviderAccountID,
		&identity.ProviderAccountEmail, &identity.AvatarURL, &identity.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// findOne は1件検索の共通処理。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) findOne(ctx context.Context, query string, args ...any) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// FindByProviderAccount はproviderとアカウントIDでidentityを検索する。
func (r *PostgresIdentityRepo) FindByProviderAccount(ctx context.Context, provider, accountID string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE provider_name = $1 AND provider_account_id = $2`,
		provider, accountID,
	)
}

// FindConflicting は同じproviderでアカウントIDまたはメールアドレスが一致するidentityを検索する。
func (r *PostgresIdentityRepo) FindConflicting(ctx context.Context, provider, accountID, email string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE provider_name = $1
		   AND (provider_account_id = $2 OR lower(provider_account_email) = lower($3))
		 LIMIT 1`,
		provider, accountID, email,
	)
}

// FindByUserAndProvider はユーザーのprovider別identityを検索する。
func (r *PostgresIdentityRepo) FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE user_id = $1 AND provider_name = $2`,
		userID, provider,
	)
}

// ListByUserID はユーザーの全identityを返す。
func (r *PostgresIdentityRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE user_id = $1
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []*model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	return identities, nil
}

// CountByUserID はユーザーのidentity数を返す。
func (r *PostgresIdentityRepo) CountByUserID(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM identities WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", err)
	}
	return count, nil
}

// Create はidentityを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity.ID, identity.UserID, identity.ProviderName, identity.ProviderAccountID,
		identity.ProviderAccountEmail, identity.AvatarURL, identity.CreatedAt,
	)
	if err != nil {
		return wrapUnique("failed to create identity", err)
	}
	return nil
}

// DeleteIfNotLast はユーザー行をロックし、identityが2件以上ある場合のみ指定providerを削除する。
// 同一ユーザーの並行する連携解除が両方成功して0件になることを防ぐ。
func (r *PostgresIdentityRepo) DeleteIfNotLast(ctx context.Context, userID, provider string) (int64, error) {
	var deleted int64
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM users WHERE id = $1 FOR UPDATE`,
			userID,
		).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM identities
			 WHERE user_id = $1 AND provider_name = $2
			   AND (SELECT count(*) FROM identities WHERE user_id = $1) >= 2`,
			userID, provider,
		)
		if err != nil {
			return fmt.Errorf("failed to delete identity: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
