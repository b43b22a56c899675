package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/authgate/internal/model"
)

const (
	defaultGitHubProfileURL  = "https://api.github.com/user"
	defaultGitHubEmailsURL   = "https://api.github.com/user/emails"
	defaultDiscordProfileURL = "https://discord.com/api/v10/users/@me"
	defaultGitLabProfileURL  = "https://gitlab.com/api/v4/user"
	defaultGoogleProfileURL  = "https://openidconnect.googleapis.com/v1/userinfo"

	discordAvatarURLFormat = "https://cdn.discordapp.com/avatars/%s/%s.png"
)

// NewGitHub はGitHub用のResolverを生成する。
// /user のemailは公開設定に依存するため、検証済みのプライマリアドレスを /user/emails から取得する。
func NewGitHub(cfg Config, client *http.Client) *OAuthResolver {
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = defaultGitHubProfileURL
	}
	if cfg.EmailsURL == "" {
		cfg.EmailsURL = defaultGitHubEmailsURL
	}
	return newOAuthResolver(GitHub, cfg, endpoints.GitHub, []string{"read:user", "user:email"}, client, fetchGitHub)
}

type githubUser struct {
	ID        json.Number `json:"id"`
	Login     string      `json:"login"`
	Name      string      `json:"name"`
	AvatarURL string      `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func fetchGitHub(ctx context.Context, getJSON getJSONFunc, urls Config) (*model.ProviderProfile, error) {
	var user githubUser
	if err := getJSON(ctx, urls.ProfileURL, &user); err != nil {
		return nil, err
	}

	var emails []githubEmail
	if err := getJSON(ctx, urls.EmailsURL, &emails); err != nil {
		return nil, err
	}

	profile := &model.ProviderProfile{
		ProviderAccountID: user.ID.String(),
		Name:              firstNonEmpty(user.Name, user.Login),
		AvatarURL:         user.AvatarURL,
	}
	for _, e := range emails {
		if e.Primary {
			profile.Email = e.Email
			profile.EmailVerified = e.Verified
			break
		}
	}
	return profile, nil
}

// NewDiscord はDiscord用のResolverを生成する。
func NewDiscord(cfg Config, client *http.Client) *OAuthResolver {
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = defaultDiscordProfileURL
	}
	return newOAuthResolver(Discord, cfg, endpoints.Discord, []string{"identify", "email"}, client, fetchDiscord)
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Email      string `json:"email"`
	Verified   bool   `json:"verified"`
	Avatar     string `json:"avatar"`
}

func fetchDiscord(ctx context.Context, getJSON getJSONFunc, urls Config) (*model.ProviderProfile, error) {
	var user discordUser
	if err := getJSON(ctx, urls.ProfileURL, &user); err != nil {
		return nil, err
	}

	profile := &model.ProviderProfile{
		ProviderAccountID: user.ID,
		Email:             user.Email,
		EmailVerified:     user.Verified,
		Name:              firstNonEmpty(user.GlobalName, user.Username),
	}
	if user.ID != "" && user.Avatar != "" {
		profile.AvatarURL = fmt.Sprintf(discordAvatarURLFormat, user.ID, user.Avatar)
	}
	return profile, nil
}

// NewGitLab はGitLab用のResolverを生成する。
func NewGitLab(cfg Config, client *http.Client) *OAuthResolver {
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = defaultGitLabProfileURL
	}
	return newOAuthResolver(GitLab, cfg, endpoints.GitLab, []string{"read_user"}, client, fetchGitLab)
}

type gitlabUser struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	AvatarURL   string  `json:"avatar_url"`
	ConfirmedAt *string `json:"confirmed_at"`
}

func fetchGitLab(ctx context.Context, getJSON getJSONFunc, urls Config) (*model.ProviderProfile, error) {
	var user gitlabUser
	if err := getJSON(ctx, urls.ProfileURL, &user); err != nil {
		return nil, err
	}

	profile := &model.ProviderProfile{
		Email: user.Email,
		// 確認日時が記録されている場合のみ検証済みとみなす
		EmailVerified: user.ConfirmedAt != nil && *user.ConfirmedAt != "",
		Name:          firstNonEmpty(user.Name, user.Username),
		AvatarURL:     user.AvatarURL,
	}
	if user.ID != 0 {
		profile.ProviderAccountID = strconv.FormatInt(user.ID, 10)
	}
	return profile, nil
}

// NewGoogle はGoogle用のResolverを生成する。
func NewGoogle(cfg Config, client *http.Client) *OAuthResolver {
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = defaultGoogleProfileURL
	}
	return newOAuthResolver(Google, cfg, endpoints.Google, []string{"openid", "email", "profile"}, client, fetchGoogle)
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func fetchGoogle(ctx context.Context, getJSON getJSONFunc, urls Config) (*model.ProviderProfile, error) {
	var info googleUserInfo
	if err := getJSON(ctx, urls.ProfileURL, &info); err != nil {
		return nil, err
	}

	return &model.ProviderProfile{
		ProviderAccountID: info.Sub,
		Email:             info.Email,
		EmailVerified:     info.EmailVerified,
		Name:              info.Name,
		AvatarURL:         info.Picture,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
