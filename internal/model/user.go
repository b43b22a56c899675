// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID    string
	Email string
	Name  string

	// NewSignInAlerts は新しい端末からのサインイン通知メールを受け取るかどうか。
	NewSignInAlerts bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPアカウントとローカルユーザーの紐付けを表す。
// (ProviderName, ProviderAccountID) と (ProviderName, ProviderAccountEmail) はシステム全体で一意。
// 1ユーザーが同一プロバイダーのIdentityを持てるのは1つまで。
type Identity struct {
	ID                   string
	UserID               string
	ProviderName         string
	ProviderAccountID    string
	ProviderAccountEmail string
	AvatarURL            string
	CreatedAt            time.Time
}

// ProviderProfile は外部プロバイダーから解決されたプロフィール情報。
// 各プロバイダーのワイヤプロトコルはprovider パッケージに閉じ込め、ここでは正規化済みの値のみを扱う。
type ProviderProfile struct {
	ProviderName      string `validate:"required"`
	ProviderAccountID string `validate:"required,max=255"`
	Email             string `validate:"required,email,max=320"`
	EmailVerified     bool
	Name              string
	AvatarURL         string `validate:"omitempty,url,max=2048"`
}
