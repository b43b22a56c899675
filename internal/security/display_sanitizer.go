package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DisplaySanitizer はUser-Agentや位置情報ヘッダーなど、
// クライアントが自由に送れる表示専用の文字列からマークアップを除去する。
// 結果はプレーンテキストとして保存し、メール本文やセッション一覧に表示する。
type DisplaySanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplaySanitizer は全タグを除去するStrictPolicyでDisplaySanitizerを生成する。
func NewDisplaySanitizer() *DisplaySanitizer {
	return &DisplaySanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグと制御文字を除去し、前後の空白を詰めて最大maxRunes文字に切り詰める。
// maxRunesが0以下の場合は切り詰めない。
func (s *DisplaySanitizer) Clean(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはテキストをHTMLエスケープして返すため、保存前にプレーンテキストへ戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = string(runes[:maxRunes])
	}
	return text
}
