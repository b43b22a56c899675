package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/repository"
)

// significantIPLength は既知の場所とみなすIPアドレス前方一致の文字数。
const significantIPLength = 9

// AlertScreener は通知ワーカーから送信直前に呼ばれ、サインイン通知の要否を判定する。
type AlertScreener struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
}

var _ notify.Screener = (*AlertScreener)(nil)

// NewAlertScreener は新しいAlertScreenerを生成する。
func NewAlertScreener(users repository.UserRepository, sessions repository.SessionRepository) *AlertScreener {
	return &AlertScreener{users: users, sessions: sessions}
}

// Screen は通知を送るべき場合にtrueと宛先を補完した通知を返す。
// ユーザーが通知を無効化している場合と、通知対象より前から存在するセッションに
// IPアドレスの先頭9文字が一致するものがある場合は送らない。
func (s *AlertScreener) Screen(ctx context.Context, alert notify.SignInAlert) (notify.SignInAlert, bool, error) {
	user, err := s.users.FindByID(ctx, alert.UserID)
	if err != nil {
		return alert, false, fmt.Errorf("failed to load user for sign-in alert: %w", err)
	}
	if user == nil || !user.NewSignInAlerts {
		return alert, false, nil
	}

	existing, err := s.sessions.ListByUserID(ctx, alert.UserID)
	if err != nil {
		return alert, false, fmt.Errorf("failed to list sessions for sign-in alert: %w", err)
	}
	prefix := significantIP(alert.Device.IP)
	for _, sess := range existing {
		if sess.ID == alert.SessionID || sess.DateCreated.After(alert.OccurredAt) {
			continue
		}
		if strings.HasPrefix(sess.Device.IP, prefix) {
			return alert, false, nil
		}
	}

	alert.UserName = user.Name
	alert.Email = user.Email
	return alert, true, nil
}

func significantIP(ip string) string {
	if len(ip) > significantIPLength {
		return ip[:significantIPLength]
	}
	return ip
}
