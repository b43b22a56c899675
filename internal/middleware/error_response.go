package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/ratelimit"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Success  bool   `json:"success"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// RateLimitResponseBody は429レスポンスのフォーマット。
// Resetはバケットがリセットされるまでの秒数。
type RateLimitResponseBody struct {
	ErrorResponseBody
	Remaining int64 `json:"remaining"`
	Max       int64 `json:"max"`
	Reset     int64 `json:"reset"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, newErrorBody(apiErr))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteError はサービス層から返されたエラーをレスポンスに変換する。
// *model.APIError以外のエラーは500として扱い、詳細はログのみに記録する。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusFor(apiErr), apiErr)
		return
	}

	slog.ErrorContext(r.Context(), "unhandled error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}

// StatusFor はエラーコードに対応するHTTPステータスを返す。
func StatusFor(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed, model.ErrCodeConflict, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeUserNotFound:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteRateLimited は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterにはバケットがリセットされるまでの秒数を設定する。
func WriteRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	reset := resetSeconds(res.Reset)

	SetRateLimitHeaders(w, res)
	w.Header().Set("Retry-After", strconv.FormatInt(reset, 10))
	writeJSON(w, http.StatusTooManyRequests, RateLimitResponseBody{
		ErrorResponseBody: newErrorBody(model.NewRateLimitedError()),
		Remaining:         0,
		Max:               res.Max,
		Reset:             reset,
	})
}

// SetRateLimitHeaders はX-RateLimit-*ヘッダーを設定する。
func SetRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Max, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetSeconds(res.Reset), 10))
}

// resetSeconds は残り時間を切り上げた秒数に変換する。最小1秒。
func resetSeconds(d time.Duration) int64 {
	sec := int64(math.Ceil(d.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}

func newErrorBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Success:  false,
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
