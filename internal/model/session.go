package model

import "time"

// SessionStatus はセッションの状態を表す。
// 失効と取り消しはいずれもレコード削除で表現するため、永続化される状態はactiveのみ。
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
)

// DeviceInfo はセッション作成時の端末・位置情報。表示専用でセキュリティ判定には使用しない。
type DeviceInfo struct {
	OS        string
	Browser   string
	IP        string
	City      string
	Country   string
	UserAgent string
}

// Session はユーザーのログインセッションを表す。
// IDはBearerトークンの一方向ハッシュであり、生のトークンは永続化しない。
type Session struct {
	ID           string
	UserID       string
	ProviderName string
	Status       SessionStatus

	// RevokeAccessCode はメール経由の取り消し用ワンタイムコードのハッシュ。
	RevokeAccessCode string

	Device DeviceInfo

	DateCreated    time.Time
	DateExpires    time.Time
	DateLastActive time.Time
}

// Expired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.DateExpires)
}
