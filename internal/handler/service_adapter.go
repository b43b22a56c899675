package handler

import (
	"context"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/session"
)

// SessionServiceAdapter は session.Manager を SessionServiceInterface に適合させるアダプタ。
type SessionServiceAdapter struct {
	*session.Manager
}

// NewSessionServiceAdapter はSessionServiceAdapterを生成する。
func NewSessionServiceAdapter(mgr *session.Manager) *SessionServiceAdapter {
	return &SessionServiceAdapter{Manager: mgr}
}

// ListSessions はユーザーのセッション一覧をhandlerレスポンス型で返す。
func (a *SessionServiceAdapter) ListSessions(ctx context.Context, userID, currentSessionID string) ([]sessionResponse, error) {
	sessions, err := a.Manager.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toSessionResponses(sessions, currentSessionID), nil
}

// toSessionResponses はドメインのSessionをhandlerのレスポンス型に変換する。
func toSessionResponses(sessions []*model.Session, currentSessionID string) []sessionResponse {
	results := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		results[i] = sessionResponse{
			ID:             s.ID,
			ProviderName:   s.ProviderName,
			OS:             s.Device.OS,
			Browser:        s.Device.Browser,
			IP:             s.Device.IP,
			City:           s.Device.City,
			Country:        s.Device.Country,
			Current:        s.ID == currentSessionID,
			DateCreated:    s.DateCreated,
			DateExpires:    s.DateExpires,
			DateLastActive: s.DateLastActive,
		}
	}
	return results
}

var _ SessionServiceInterface = (*SessionServiceAdapter)(nil)
