// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// レート制限ストアの種類
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Session
	SessionValidity      time.Duration `env:"SESSION_VALIDITY" envDefault:"720h"`
	SessionCookieName    string        `env:"SESSION_COOKIE_NAME" envDefault:"auth-token"`
	SessionHashKey       string        `env:"SESSION_HASH_KEY"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1h"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Rate Limit
	RateLimit RateLimitConfig

	// OAuth
	ProviderHTTPTimeout time.Duration  `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"10s"`
	GitHub              ProviderConfig `envPrefix:"GITHUB_"`
	Discord             ProviderConfig `envPrefix:"DISCORD_"`
	GitLab              ProviderConfig `envPrefix:"GITLAB_"`
	Google              ProviderConfig `envPrefix:"GOOGLE_"`

	// Mail
	SMTP SMTPConfig `envPrefix:"SMTP_"`
	Mail MailConfig

	// Client
	ClientCountryHeader string `env:"CLIENT_COUNTRY_HEADER"`
	ClientCityHeader    string `env:"CLIENT_CITY_HEADER"`

	// 転送元IPヘッダーを信用するリバースプロキシ。いずれも未設定なら転送ヘッダーは無視する。
	TrustedProxySecret string   `env:"TRUSTED_PROXY_SECRET"`
	TrustedProxies     []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// RateLimitConfig はレート制限ストアとポリシーの上書き設定。
// 上書き値が0の場合はデフォルトのポリシーを使用する。
type RateLimitConfig struct {
	Store    string `env:"RATE_LIMIT_STORE" envDefault:"redis"`
	RedisURL string `env:"REDIS_URL"`

	Read               PolicyOverride `envPrefix:"RATE_LIMIT_READ_"`
	StrictRead         PolicyOverride `envPrefix:"RATE_LIMIT_STRICT_READ_"`
	Mutation           PolicyOverride `envPrefix:"RATE_LIMIT_MUTATION_"`
	CriticalMutation   PolicyOverride `envPrefix:"RATE_LIMIT_CRITICAL_MUTATION_"`
	DDoSGuard          PolicyOverride `envPrefix:"RATE_LIMIT_DDOS_GUARD_"`
	InvalidAuthAttempt PolicyOverride `envPrefix:"RATE_LIMIT_INVALID_AUTH_ATTEMPT_"`
}

// PolicyOverride は1ポリシー分の上書き値。
type PolicyOverride struct {
	Max    int64         `env:"MAX"`
	Window time.Duration `env:"WINDOW"`
}

// ProviderConfig はOAuthプロバイダーのクライアント設定。ClientIDが空のプロバイダーは無効。
type ProviderConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

// SMTPConfig はサインイン通知メールの送信設定。Hostが空の場合は通知を送信しない。
type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
}

// MailConfig は通知メールの送信キュー設定。
type MailConfig struct {
	RatePerSec float64 `env:"MAIL_RATE_PER_SEC" envDefault:"2"`
	QueueSize  int     `env:"MAIL_QUEUE_SIZE" envDefault:"256"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.RateLimit.Store {
	case StoreRedis:
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_STORE is %q", StoreRedis)
		}
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STORE %q", c.RateLimit.Store)
	}

	if c.SessionValidity <= 0 {
		return fmt.Errorf("SESSION_VALIDITY must be positive, got %s", c.SessionValidity)
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive, got %s", c.SessionSweepInterval)
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	return nil
}

// MailEnabled はサインイン通知メールが有効かどうかを返す。
func (c *Config) MailEnabled() bool {
	return c.SMTP.Host != ""
}
