// Package session はログインセッションの発行・検証・更新・取り消しを提供する。
//
// 生のトークンは発行時に1度だけ呼び出し元へ返し、永続化するのはハッシュのみ。
// 期限切れは検証時に発見したレコードを削除することで表現する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/abuse"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// ErrInvalidSession はトークンが存在しない・期限切れ・不正な形式の場合に返る。
var ErrInvalidSession = model.ErrInvalidSession

// DefaultValidity はセッションのデフォルト有効期間。
const DefaultValidity = 30 * 24 * time.Hour

// セッション終了理由
const (
	endReasonExpired    = "expired"
	endReasonRevoked    = "revoked"
	endReasonRevokeLink = "revoke_link"
	endReasonBulk       = "invalidated"
)

// AlertSink はサインイン通知の送信キュー。ブロックしないこと。
type AlertSink interface {
	Enqueue(alert notify.SignInAlert) bool
}

// Config はセッション管理の設定。
type Config struct {
	// Validity はセッションの有効期間。残りが半分を切った状態で使用されると延長される。
	Validity time.Duration
	// BaseURL は取り消しリンクの組み立てに使うフロントエンドのURL。
	BaseURL string
	// HashKey が設定されている場合、トークンのハッシュにHMAC-SHA256を使用する。
	HashKey []byte
	// Now は現在時刻の取得関数。nilの場合はtime.Now。
	Now func() time.Time
}

// CreateParams はセッション作成時の入力。
type CreateParams struct {
	UserID        string
	ProviderName  string
	Device        model.DeviceInfo
	IsFirstSignIn bool
}

// Manager はセッションのライフサイクルを管理する。
type Manager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	guard    abuse.Charger
	alerts   AlertSink
	config   Config
	hasher   hasher
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewManager は新しいManagerを生成する。alertsがnilの場合は通知を送信しない。
func NewManager(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	guard abuse.Charger,
	alerts AlertSink,
	config Config,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Manager {
	if config.Validity <= 0 {
		config.Validity = DefaultValidity
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: sessions,
		users:    users,
		guard:    guard,
		alerts:   alerts,
		config:   config,
		hasher:   hasher{key: config.HashKey},
		metrics:  collector,
		logger:   logger,
	}
}

// Validity はセッションの有効期間を返す。Cookieの有効期限に使用する。
func (m *Manager) Validity() time.Duration {
	return m.config.Validity
}

// Create はセッションを発行し、生のトークンを返す。トークンは再取得できない。
// 初回サインインでない場合はサインイン通知をキューに積む。
// 通知の要否はAlertScreenerが送信前に判定し、失敗は呼び出し元に返さない。
func (m *Manager) Create(ctx context.Context, p CreateParams) (string, *model.Session, error) {
	token, err := randomToken(tokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	revokeCode, err := randomToken(revokeCodeBytes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate revoke code: %w", err)
	}

	now := m.config.Now()
	sess := &model.Session{
		ID:               m.hasher.hash(token),
		UserID:           p.UserID,
		ProviderName:     p.ProviderName,
		Status:           model.SessionStatusActive,
		RevokeAccessCode: m.hasher.hash(revokeCode),
		Device:           p.Device,
		DateCreated:      now,
		DateExpires:      now.Add(m.config.Validity),
		DateLastActive:   now,
	}

	if err := m.sessions.Create(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("failed to save session: %w", err)
	}
	m.metrics.RecordSessionCreated(p.ProviderName)

	// 要否判定と宛先の解決は通知ワーカー側で行う
	if !p.IsFirstSignIn && m.alerts != nil {
		m.alerts.Enqueue(notify.SignInAlert{
			UserID:       p.UserID,
			SessionID:    sess.ID,
			ProviderName: p.ProviderName,
			Device:       p.Device,
			RevokeURL:    m.config.BaseURL + "/auth/revoke-session/" + revokeCode,
			OccurredAt:   now,
		})
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "session created",
		slog.String("user_id", p.UserID),
		slog.String("provider", p.ProviderName),
		slog.Bool("first_sign_in", p.IsFirstSignIn),
	)
	return token, sess, nil
}

// Validate はトークンを検証し、認証済みコンテキストを返す。
//
// 期限切れのセッションは削除して ErrInvalidSession を返す。
// 有効期間の後半で使用された場合は有効期限を現在時刻+有効期間まで延長する。
func (m *Manager) Validate(ctx context.Context, token string) (reqctx.Auth, error) {
	if token == "" || len(token) > maxTokenLength {
		return reqctx.Auth{}, ErrInvalidSession
	}

	id := m.hasher.hash(token)
	sess, err := m.sessions.FindByID(ctx, id)
	if err != nil {
		return reqctx.Auth{}, fmt.Errorf("failed to find session: %w", err)
	}
	if sess == nil {
		return reqctx.Auth{}, ErrInvalidSession
	}

	now := m.config.Now()
	if sess.Expired(now) {
		if _, err := m.sessions.DeleteByID(ctx, sess.ID); err != nil {
			return reqctx.Auth{}, fmt.Errorf("failed to delete expired session: %w", err)
		}
		m.metrics.RecordSessionsEnded(endReasonExpired, 1)
		return reqctx.Auth{}, ErrInvalidSession
	}

	user, err := m.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return reqctx.Auth{}, fmt.Errorf("failed to find session user: %w", err)
	}
	if user == nil {
		return reqctx.Auth{}, ErrInvalidSession
	}

	expires := sess.DateExpires
	if !now.Before(sess.DateExpires.Add(-m.config.Validity / 2)) {
		expires = now.Add(m.config.Validity)
	}
	stored, found, err := m.sessions.Touch(ctx, sess.ID, now, expires)
	if err != nil {
		return reqctx.Auth{}, fmt.Errorf("failed to touch session: %w", err)
	}
	// 取得後に取り消されたセッションは無効
	if !found {
		return reqctx.Auth{}, ErrInvalidSession
	}
	renewed := expires.After(sess.DateExpires)
	if renewed {
		m.metrics.RecordSessionRenewed()
	}

	return reqctx.Auth{User: *user, SessionID: sess.ID, ExpiresAt: stored, Renewed: renewed}, nil
}

// Revoke はrequestingUserIDが所有するセッションのみを削除する。
// 存在しない・他人のセッション・削除済みの場合も成功として扱う。
// 削除した場合にtrueを返す。
func (m *Manager) Revoke(ctx context.Context, sessionID, requestingUserID string) (bool, error) {
	if sessionID == "" || len(sessionID) > maxTokenLength {
		return false, nil
	}

	deleted, err := m.sessions.DeleteByIDAndUser(ctx, sessionID, requestingUserID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	if deleted {
		m.metrics.RecordSessionsEnded(endReasonRevoked, 1)
		m.logger.LogAttrs(ctx, slog.LevelInfo, "session revoked",
			slog.String("user_id", requestingUserID),
		)
	}
	return deleted, nil
}

// RevokeByAccessCode はメールの取り消しリンクに埋め込まれたコードでセッションを削除する。
// 呼び出し元のログイン状態は問わない。一致しない場合は不正試行として課金し、
// コードの形式不正と使用済みを区別しない汎用エラーを返す。
func (m *Manager) RevokeByAccessCode(ctx context.Context, code string) error {
	if code == "" || len(code) > maxTokenLength {
		m.guard.Charge(ctx, abuse.ReasonInvalidRevokeCode)
		return newInvalidRevokeCodeError()
	}

	deleted, err := m.sessions.DeleteByRevokeCode(ctx, m.hasher.hash(code))
	if err != nil {
		return fmt.Errorf("failed to revoke session by access code: %w", err)
	}
	if !deleted {
		m.guard.Charge(ctx, abuse.ReasonInvalidRevokeCode)
		return newInvalidRevokeCodeError()
	}

	m.metrics.RecordSessionsEnded(endReasonRevokeLink, 1)
	m.logger.InfoContext(ctx, "session revoked via access code")
	return nil
}

// InvalidateAllForUser はユーザーの全セッションを削除する。
func (m *Manager) InvalidateAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}
	m.recordBulk(ctx, userID, n)
	return n, nil
}

// InvalidateAllOther はcurrentSessionID以外のユーザーの全セッションを削除する。
func (m *Manager) InvalidateAllOther(ctx context.Context, userID, currentSessionID string) (int64, error) {
	n, err := m.sessions.DeleteByUserIDExcept(ctx, userID, currentSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate other sessions: %w", err)
	}
	m.recordBulk(ctx, userID, n)
	return n, nil
}

// List はユーザーのセッションを新しい順に返す。
func (m *Manager) List(ctx context.Context, userID string) ([]*model.Session, error) {
	sessions, err := m.sessions.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (m *Manager) recordBulk(ctx context.Context, userID string, n int64) {
	m.metrics.RecordSessionsEnded(endReasonBulk, n)
	m.logger.LogAttrs(ctx, slog.LevelInfo, "sessions invalidated",
		slog.String("user_id", userID),
		slog.Int64("count", n),
	)
}

func newInvalidRevokeCodeError() *model.APIError {
	return model.NewInvalidRequestError("このリンクは無効です。")
}
