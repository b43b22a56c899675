package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// SignInAlert は新しい端末からのサインインを知らせる通知。
type SignInAlert struct {
	UserID    string
	SessionID string

	UserName     string
	Email        string
	ProviderName string
	Device       model.DeviceInfo
	// RevokeURL は単回使用の取り消しコードを埋め込んだURL。
	RevokeURL  string
	OccurredAt time.Time
}

// Render は通知をメールメッセージに変換する。
func (a SignInAlert) Render() Message {
	location := joinNonEmpty(", ", a.Device.City, a.Device.Country)
	device := joinNonEmpty(" / ", a.Device.Browser, a.Device.OS)

	var b strings.Builder
	fmt.Fprintf(&b, "%s さん\n\n", a.UserName)
	fmt.Fprintf(&b, "%s でアカウントに新しいサインインがありました。\n\n", a.OccurredAt.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "  ログイン方法: %s\n", a.ProviderName)
	fmt.Fprintf(&b, "  端末: %s\n", orUnknown(device))
	fmt.Fprintf(&b, "  場所: %s\n", orUnknown(location))
	fmt.Fprintf(&b, "  IPアドレス: %s\n\n", orUnknown(a.Device.IP))
	b.WriteString("心当たりがない場合は、以下のリンクからこのセッションを無効化してください。\n")
	b.WriteString(a.RevokeURL + "\n")

	htmlBody := fmt.Sprintf(
		`<p>%s さん</p><p>アカウントに新しいサインインがありました（%s / %s / %s）。</p>`+
			`<p>心当たりがない場合は <a href="%s">このセッションを無効化</a> してください。</p>`,
		html.EscapeString(a.UserName),
		html.EscapeString(a.ProviderName),
		html.EscapeString(orUnknown(device)),
		html.EscapeString(orUnknown(location)),
		html.EscapeString(a.RevokeURL),
	)

	return Message{
		To:       a.Email,
		Subject:  "新しいサインインがありました",
		Body:     b.String(),
		HTMLBody: htmlBody,
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func orUnknown(s string) string {
	if s == "" {
		return "不明"
	}
	return s
}
