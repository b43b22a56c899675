package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"

	"github.com/hitoshi/authgate/internal/device"
	"github.com/hitoshi/authgate/internal/reqctx"
)

// 信頼済みプロキシが付与するヘッダー
const (
	ProxySecretHeader  = "X-Proxy-Secret"
	realIPHeader       = "X-Real-IP"
	forwardedForHeader = "X-Forwarded-For"
)

// ProxyTrust は転送元IPヘッダーを信用する条件。
// いずれも未設定の場合、転送ヘッダーは常に無視しRemoteAddrを使う。
type ProxyTrust struct {
	// Secret はX-Proxy-Secretヘッダーと一致した場合に転送ヘッダーを信用する共有シークレット。
	Secret string
	// Proxies はRemoteAddrが含まれる場合に転送ヘッダーを信用するプロキシのアドレス範囲。
	Proxies []netip.Prefix
}

// NewClientMiddleware は呼び出し元のIPとUser-Agentをリクエストコンテキストに注入する。
// X-Real-IP・X-Forwarded-Forは信頼済みプロキシからのリクエストでのみ採用する。
func NewClientMiddleware(trust ProxyTrust) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := reqctx.WithClient(r.Context(), reqctx.Client{
				IP:        trust.clientIP(r),
				UserAgent: r.UserAgent(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (t ProxyTrust) clientIP(r *http.Request) string {
	peer := device.ClientIP(r)
	if !t.trusts(r, peer) {
		return peer
	}
	if ip := t.forwardedIP(r); ip != "" {
		return ip
	}
	return peer
}

func (t ProxyTrust) trusts(r *http.Request, peer string) bool {
	if t.Secret != "" {
		got := r.Header.Get(ProxySecretHeader)
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(t.Secret)) == 1 {
			return true
		}
	}
	return t.isProxy(peer)
}

func (t ProxyTrust) isProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.Proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedIP はX-Real-IP、なければX-Forwarded-Forを右から辿り、
// 信頼済みプロキシ以外で最初に現れるアドレスを返す。
func (t ProxyTrust) forwardedIP(r *http.Request) string {
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get(realIPHeader))); err == nil {
		return addr.Unmap().String()
	}
	hops := strings.Split(r.Header.Get(forwardedForHeader), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return ""
		}
		ip := addr.Unmap().String()
		if !t.isProxy(ip) {
			return ip
		}
	}
	return ""
}

// ParseTrustedProxies はCIDRまたは単一IPのリストをアドレス範囲に変換する。
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
