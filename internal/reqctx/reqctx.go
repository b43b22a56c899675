// Package reqctx はリクエスト単位で1度だけ生成される不変の値をcontextで受け渡す。
package reqctx

import (
	"context"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	clientContextKey = contextKey("client")
	authContextKey   = contextKey("auth")
)

// Client は呼び出し元の接続情報。
type Client struct {
	IP        string
	UserAgent string
}

// Auth は検証済みセッションから生成される認証済みコンテキスト。
// 生成後に変更しないため値で保持する。
type Auth struct {
	User      model.User
	SessionID string
	ExpiresAt time.Time
	// Renewed は今回の検証で有効期限が延長された場合にtrue。Cookieの再設定に使う。
	Renewed bool
}

// UserID は認証済みユーザーのIDを返す。
func (a Auth) UserID() string {
	return a.User.ID
}

// WithClient はコンテキストに接続情報を注入する。
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientContextKey, c)
}

// ClientFromContext はコンテキストから接続情報を取得する。未設定の場合はゼロ値を返す。
func ClientFromContext(ctx context.Context) Client {
	c, _ := ctx.Value(clientContextKey).(Client)
	return c
}

// WithAuth はコンテキストに認証済みコンテキストを注入する。
func WithAuth(ctx context.Context, a Auth) context.Context {
	return context.WithValue(ctx, authContextKey, a)
}

// AuthFromContext はコンテキストから認証済みコンテキストを取得する。
// 認証ミドルウェアが有効なセッションを検出した場合のみokがtrueになる。
func AuthFromContext(ctx context.Context) (Auth, bool) {
	a, ok := ctx.Value(authContextKey).(Auth)
	if !ok || a.User.ID == "" {
		return Auth{}, false
	}
	return a, true
}
