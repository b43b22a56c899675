package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, user_id, provider_name, status, revoke_access_code,
	os, browser, ip, city, country, user_agent,
	date_created, date_expires, date_last_active`

func scanSession(s rowScanner) (*model.Session, error) {
	session := &model.Session{}
	err := s.Scan(
		&session.ID, &session.UserID, &session.ProviderName, &session.Status, &session.RevokeAccessCode,
		&session.Device.OS, &session.Device.Browser, &session.Device.IP,
		&session.Device.City, &session.Device.Country, &session.Device.UserAgent,
		&session.DateCreated, &session.DateExpires, &session.DateLastActive,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		session.ID, session.UserID, session.ProviderName, session.Status, session.RevokeAccessCode,
		session.Device.OS, session.Device.Browser, session.Device.IP,
		session.Device.City, session.Device.Country, session.Device.UserAgent,
		session.DateCreated, session.DateExpires, session.DateLastActive,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの判定は呼び出し側で行う。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// Touch は最終アクティブ日時を更新し、有効期限を延長する。
// GREATESTにより有効期限が短くなることはない。
// 更新後の有効期限を返し、セッションが既に削除されていた場合はfoundがfalseになる。
func (r *PostgresSessionRepo) Touch(ctx context.Context, id string, lastActive, expires time.Time) (time.Time, bool, error) {
	var stored time.Time
	err := r.db.QueryRowContext(ctx,
		`UPDATE sessions
		 SET date_last_active = $2,
		     date_expires = GREATEST(date_expires, $3)
		 WHERE id = $1
		 RETURNING date_expires`,
		id, lastActive, expires,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to touch session: %w", err)
	}
	return stored, true, nil
}

// ListByUserID はユーザーの全セッションを作成日時の降順で返す。
func (r *PostgresSessionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE user_id = $1
		 ORDER BY date_created DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	n, err := r.exec(ctx, "failed to delete session",
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	return n > 0, err
}

// DeleteByIDAndUser は指定ユーザーが所有するセッションのみ削除する。
func (r *PostgresSessionRepo) DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error) {
	n, err := r.exec(ctx, "failed to delete owned session",
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	return n > 0, err
}

// DeleteByRevokeCode は取り消しコードのハッシュに一致するセッションを削除する。
func (r *PostgresSessionRepo) DeleteByRevokeCode(ctx context.Context, codeHash string) (bool, error) {
	n, err := r.exec(ctx, "failed to delete session by revoke code",
		`DELETE FROM sessions WHERE revoke_access_code = $1`,
		codeHash,
	)
	return n > 0, err
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	return r.exec(ctx, "failed to delete user sessions",
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
}

// DeleteByUserIDExcept は指定ユーザーのkeepID以外の全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserIDExcept(ctx context.Context, userID, keepID string) (int64, error) {
	return r.exec(ctx, "failed to delete other sessions",
		`DELETE FROM sessions WHERE user_id = $1 AND id <> $2`,
		userID, keepID,
	)
}

// DeleteExpired はbefore時点で期限切れの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return r.exec(ctx, "failed to delete expired sessions",
		`DELETE FROM sessions WHERE date_expires <= $1`,
		before,
	)
}

// exec はDELETE/UPDATEを実行して影響行数を返す。
func (r *PostgresSessionRepo) exec(ctx context.Context, msg, query string, args ...any) (int64, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", msg, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
