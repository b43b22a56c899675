// Package device はリクエストヘッダーから端末・位置情報を組み立てる。
// 得られる値は表示専用で、認証や認可の判定には使用しない。
package device

import (
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/reqctx"
	"github.com/hitoshi/authgate/internal/security"
)

// 表示用文字列の最大長（文字数）
const (
	maxUserAgentRunes = 512
	maxLocationRunes  = 128
)

// Lookup は端末・位置情報の取得を抽象化するインターフェース。
// GeoIPデータベースなど別の実装に差し替え可能。
type Lookup interface {
	Lookup(r *http.Request) model.DeviceInfo
}

// HeaderLookup はCDNやリバースプロキシが付与するヘッダーから位置情報を取得するLookup実装。
type HeaderLookup struct {
	countryHeader string
	cityHeader    string
	sanitizer     *security.DisplaySanitizer
}

var _ Lookup = (*HeaderLookup)(nil)

// NewHeaderLookup は新しいHeaderLookupを生成する。
// ヘッダー名が空の場合、その項目は常に空になる。
func NewHeaderLookup(countryHeader, cityHeader string) *HeaderLookup {
	return &HeaderLookup{
		countryHeader: countryHeader,
		cityHeader:    cityHeader,
		sanitizer:     security.NewDisplaySanitizer(),
	}
}

// Lookup はリクエストから端末情報を生成する。
// IPはClientミドルウェアが解決した値を使い、未設定の場合はRemoteAddrから取得する。
func (l *HeaderLookup) Lookup(r *http.Request) model.DeviceInfo {
	ua := l.sanitizer.Clean(r.UserAgent(), maxUserAgentRunes)
	ip := reqctx.ClientFromContext(r.Context()).IP
	if ip == "" {
		ip = ClientIP(r)
	}
	info := model.DeviceInfo{
		OS:        parseOS(ua),
		Browser:   parseBrowser(ua),
		IP:        ip,
		UserAgent: ua,
	}
	if l.countryHeader != "" {
		info.Country = l.sanitizer.Clean(r.Header.Get(l.countryHeader), maxLocationRunes)
	}
	if l.cityHeader != "" {
		info.City = l.sanitizer.Clean(r.Header.Get(l.cityHeader), maxLocationRunes)
	}
	return info
}

// ClientIP はRemoteAddrからポートを除いたIPアドレスを返す。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// LimitIdentity はレート制限キー用にIPアドレスを正規化する。
// IPv6は1契約で/64を丸ごと割り当てられることが多いため、上位64ビットに丸める。
// 解析できない値はそのまま返す。
func LimitIdentity(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

// osRules は判定順に並べたOS判定ルール。iOSはMac OS Xを含むため先に判定する。
var osRules = []struct {
	token string
	name  string
}{
	{"Windows", "Windows"},
	{"iPhone", "iOS"},
	{"iPad", "iPadOS"},
	{"Android", "Android"},
	{"CrOS", "ChromeOS"},
	{"Mac OS X", "macOS"},
	{"Macintosh", "macOS"},
	{"Linux", "Linux"},
}

// browserRules は判定順に並べたブラウザ判定ルール。
// Chromium系のUAは"Chrome"と"Safari"を併記するため、派生ブラウザを先に判定する。
var browserRules = []struct {
	token string
	name  string
}{
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"SamsungBrowser/", "Samsung Internet"},
	{"Firefox/", "Firefox"},
	{"FxiOS/", "Firefox"},
	{"CriOS/", "Chrome"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
	{"curl/", "curl"},
}

func parseOS(ua string) string {
	for _, rule := range osRules {
		if strings.Contains(ua, rule.token) {
			return rule.name
		}
	}
	return ""
}

func parseBrowser(ua string) string {
	for _, rule := range browserRules {
		if strings.Contains(ua, rule.token) {
			return rule.name
		}
	}
	return ""
}
