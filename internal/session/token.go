package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
)

// トークン長（バイト）。base32で52文字・32文字になる。
const (
	tokenBytes      = 32
	revokeCodeBytes = 20
)

// maxTokenLength はハッシュ計算前に受け付けるトークンの最大長。
// 発行するトークンは52文字のため、これを超える入力はストアを参照せずに拒否する。
const maxTokenLength = 256

var tokenEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// hasher はトークンと取り消しコードの一方向ハッシュを計算する。
// keyが設定されている場合はHMAC-SHA256、未設定の場合はSHA-256を使用する。
type hasher struct {
	key []byte
}

func (h hasher) hash(s string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

// randomToken は暗号的に安全な乱数をbase32小文字で返す。
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return tokenEncoding.EncodeToString(b), nil
}
