package model

import (
	"errors"
	"fmt"
)

// ErrInvalidSession はセッショントークンが存在しない・期限切れ・不正な形式の場合のエラー。
var ErrInvalidSession = errors.New("invalid session")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, rate_limit, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewValidationFailedError は外部プロフィールの不備・未検証などの検証エラーを生成する。
func NewValidationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  reason,
		Category: "validation",
		Action:   "もう一度ログイン連携をやり直してください。",
	}
}

// NewConflictError は一意性制約や最後の認証手段の削除など、状態の競合エラーを生成する。
// 列挙攻撃の手掛かりにならないよう、どの前提条件に違反したかはメッセージに含めない。
func NewConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "このリクエストは処理できません。",
		Category: "validation",
		Action:   "アカウント設定を確認してください。",
	}
}

// NewAccountAlreadyLinkedError は外部アカウントが既に別のユーザー（または自分）に紐付いている場合のエラーを生成する。
func NewAccountAlreadyLinkedError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "この外部アカウントは既にいずれかのユーザーに紐付けられています。",
		Category: "validation",
		Action:   "別の外部アカウントを使用してください。",
	}
}

// NewInvalidRequestError は入力不備などの汎用的なリクエストエラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	if message == "" {
		message = "無効なリクエストです。"
	}
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は既にログイン済みなど、認可上許可されない操作のエラーを生成する。
func NewForbiddenError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  message,
		Category: "auth",
		Action:   "現在のログイン状態を確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。しばらくしてから再度お試しください。",
		Category: "rate_limit",
		Action:   "指定された時間が経過してから再試行してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnknownAccountError はサインインに使われた外部アカウントがどのユーザーにも紐付いていない場合のエラーを生成する。
func NewUnknownAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "この外部アカウントで登録されたユーザーが見つかりません。",
		Category: "auth",
		Action:   "新規登録するか、登録済みのアカウントでログインしてください。",
	}
}

// NewInternalError は内部エラーのユーザー向け表現を生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
