// Package provider は外部IdPの認可コードを正規化済みプロフィールへ解決する。
// 各プロバイダーのワイヤプロトコルはこのパッケージに閉じ込め、
// 呼び出し側は model.ProviderProfile のみを扱う。
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/security"
)

// プロバイダー名
const (
	GitHub  = "github"
	Discord = "discord"
	GitLab  = "gitlab"
	Google  = "google"
)

var (
	// ErrUnknownProvider は未登録・無効化されたプロバイダーが指定された場合のエラー。
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidCode はIdPが認可コードを拒否した場合のエラー。
	// 使用済み・偽造されたコードを示すため、呼び出し側は不正試行として扱う。
	ErrInvalidCode = errors.New("authorization code rejected by provider")
)

// Resolver は1つのIdPに対する認可URLの生成とプロフィール解決を行う。
type Resolver interface {
	Name() string
	// AuthCodeURL はstateを埋め込んだ認可画面のURLを返す。
	AuthCodeURL(state string) string
	// Resolve は認可コードをトークンに交換し、プロフィールを取得する。
	Resolve(ctx context.Context, code string) (*model.ProviderProfile, error)
}

// Config は1プロバイダー分の設定。URL項目が空の場合は公開エンドポイントを使用する。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// セルフホスト環境やテスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	ProfileURL string
	EmailsURL  string
}

// Enabled はクライアントIDが設定されているかを返す。
func (c Config) Enabled() bool {
	return c.ClientID != ""
}

// Registry はプロバイダー名からResolverを引く。
type Registry struct {
	resolvers map[string]Resolver
}

// NewRegistry は指定したResolverを登録したRegistryを生成する。
func NewRegistry(resolvers ...Resolver) *Registry {
	m := make(map[string]Resolver, len(resolvers))
	for _, r := range resolvers {
		m[r.Name()] = r
	}
	return &Registry{resolvers: m}
}

// Get は名前に対応するResolverを返す。
func (r *Registry) Get(name string) (Resolver, error) {
	res, ok := r.resolvers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return res, nil
}

// Names は登録済みプロバイダー名をソートして返す。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resolvers))
	for name := range r.resolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve はプロバイダー名を指定してプロフィールを解決する。
func (r *Registry) Resolve(ctx context.Context, name, code string) (*model.ProviderProfile, error) {
	res, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return res.Resolve(ctx, code)
}

// constructors は有効化可能なプロバイダーの生成関数。
var constructors = map[string]func(Config, *http.Client) *OAuthResolver{
	GitHub:  NewGitHub,
	Discord: NewDiscord,
	GitLab:  NewGitLab,
	Google:  NewGoogle,
}

// Build はクライアントIDが設定されたプロバイダーのみを登録したRegistryを生成する。
// 全エンドポイントをguardで検証し、送信にはSSRF防止付きクライアントを使用する。
func Build(configs map[string]Config, guard security.OutboundGuard, timeout time.Duration) (*Registry, error) {
	client := guard.NewSafeClient(timeout)

	var resolvers []Resolver
	for name, cfg := range configs {
		if !cfg.Enabled() {
			continue
		}
		newResolver, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		r := newResolver(cfg, client)
		for _, u := range r.endpoints() {
			if err := guard.ValidateEndpoint(u); err != nil {
				return nil, fmt.Errorf("invalid %s endpoint: %w", name, err)
			}
		}
		resolvers = append(resolvers, r)
	}
	return NewRegistry(resolvers...), nil
}
