package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authgate/internal/model"
)

// maxResponseSize はプロフィールAPIのレスポンスとして読み込む最大バイト数。
const maxResponseSize = 1 << 20

// getJSONFunc は認証済みクライアントでURLを取得し、JSONをvにデコードする。
type getJSONFunc func(ctx context.Context, url string, v any) error

// fetchFunc はプロバイダー固有のプロフィール取得処理。
type fetchFunc func(ctx context.Context, getJSON getJSONFunc, urls Config) (*model.ProviderProfile, error)

// OAuthResolver はOAuth 2.0の認可コードフローで動作するResolver実装。
type OAuthResolver struct {
	name   string
	oauth  *oauth2.Config
	config Config
	client *http.Client
	fetch  fetchFunc
}

var _ Resolver = (*OAuthResolver)(nil)

func newOAuthResolver(name string, cfg Config, endpoint oauth2.Endpoint, scopes []string, client *http.Client, fetch fetchFunc) *OAuthResolver {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthResolver{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		config: cfg,
		client: client,
		fetch:  fetch,
	}
}

// Name はプロバイダー名を返す。
func (r *OAuthResolver) Name() string {
	return r.name
}

// AuthCodeURL は認可画面のURLを返す。
func (r *OAuthResolver) AuthCodeURL(state string) string {
	return r.oauth.AuthCodeURL(state)
}

// Resolve は認可コードをアクセストークンに交換し、プロフィールを取得する。
// IdPがコードを拒否した場合は ErrInvalidCode を返す。
func (r *OAuthResolver) Resolve(ctx context.Context, code string) (*model.ProviderProfile, error) {
	if code == "" {
		return nil, ErrInvalidCode
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	// 1. 認可コードをアクセストークンに交換
	token, err := r.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.Response == nil || re.Response.StatusCode < http.StatusInternalServerError) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCode, re.ErrorCode)
		}
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	// 2. アクセストークンでプロフィールを取得
	authed := r.oauth.Client(ctx, token)
	profile, err := r.fetch(ctx, getJSONWith(authed), r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s profile: %w", r.name, err)
	}
	profile.ProviderName = r.name
	return profile, nil
}

// endpoints は送信先となる全URLを返す。
func (r *OAuthResolver) endpoints() []string {
	urls := []string{r.oauth.Endpoint.AuthURL, r.oauth.Endpoint.TokenURL, r.config.ProfileURL}
	if r.config.EmailsURL != "" {
		urls = append(urls, r.config.EmailsURL)
	}
	return urls
}

func getJSONWith(client *http.Client) getJSONFunc {
	return func(ctx context.Context, url string, v any) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}
}
