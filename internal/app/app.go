package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/authgate/internal/abuse"
	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/device"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/user"
	"github.com/hitoshi/authgate/internal/worker/sweeper"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に従ってログレベルを変更する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("rate_limit_store", cfg.RateLimit.Store),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// rateLimitStore は共有カウンタストアと、期限切れバケットの削除が必要な場合のBucketPurgerを返す。
// closeはRedisクライアントの解放に使う。
func rateLimitStore(ctx context.Context, cfg *config.Config, db *sql.DB) (ratelimit.Store, sweeper.BucketPurger, func(), error) {
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		client, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established")
		return ratelimit.NewRedisStore(client), nil, func() { client.Close() }, nil
	case config.StorePostgres:
		store := ratelimit.NewPostgresStore(db)
		return store, store, func() {}, nil
	default:
		slog.Warn("using in-process rate limit store; limits are not shared across instances")
		store := ratelimit.NewMemoryStore(time.Now)
		return store, store, func() {}, nil
	}
}

// policies はデフォルトのポリシーに環境変数の上書きを適用する。
func policies(cfg config.RateLimitConfig) ratelimit.Policies {
	p := ratelimit.DefaultPolicies()
	p.Read = p.Read.Override(cfg.Read.Max, cfg.Read.Window)
	p.StrictRead = p.StrictRead.Override(cfg.StrictRead.Max, cfg.StrictRead.Window)
	p.Mutation = p.Mutation.Override(cfg.Mutation.Max, cfg.Mutation.Window)
	p.CriticalMutation = p.CriticalMutation.Override(cfg.CriticalMutation.Max, cfg.CriticalMutation.Window)
	p.DDoSGuard = p.DDoSGuard.Override(cfg.DDoSGuard.Max, cfg.DDoSGuard.Window)
	p.InvalidAuthAttempt = p.InvalidAuthAttempt.Override(cfg.InvalidAuthAttempt.Max, cfg.InvalidAuthAttempt.Window)
	return p
}

// providerConfigs は有効・無効を問わず全プロバイダーの設定を返す。
// ClientIDが空のプロバイダーはprovider.Buildで除外される。
func providerConfigs(cfg *config.Config) map[string]provider.Config {
	conv := func(p config.ProviderConfig) provider.Config {
		return provider.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
		}
	}
	return map[string]provider.Config{
		provider.GitHub:  conv(cfg.GitHub),
		provider.Discord: conv(cfg.Discord),
		provider.GitLab:  conv(cfg.GitLab),
		provider.Google:  conv(cfg.Google),
	}
}

// newMetrics はプロセスメトリクスを含むレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクスとレート制限
	registry, collector := newMetrics()

	store, _, closeStore, err := rateLimitStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	pols := policies(cfg.RateLimit)
	limiter := ratelimit.NewLimiter(store, collector, slog.Default())
	guard := abuse.NewGuard(limiter, pols.InvalidAuthAttempt, collector, slog.Default())

	// 4. サインイン通知
	var alerts session.AlertSink
	if cfg.MailEnabled() {
		mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return fmt.Errorf("failed to configure mailer: %w", err)
		}
		screener := session.NewAlertScreener(userRepo, sessionRepo)
		dispatcher := notify.NewDispatcher(mailer, screener, notify.DispatcherConfig{
			QueueSize:  cfg.Mail.QueueSize,
			RatePerSec: cfg.Mail.RatePerSec,
		}, collector, slog.Default())
		go dispatcher.Start(ctx)
		alerts = dispatcher
	} else {
		slog.Info("SMTP_HOST is not set; new sign-in alerts are disabled")
	}

	// 5. 外部プロバイダー
	providers, err := provider.Build(providerConfigs(cfg), security.NewOutboundGuard(), cfg.ProviderHTTPTimeout)
	if err != nil {
		return fmt.Errorf("failed to configure providers: %w", err)
	}
	slog.Info("oauth providers configured", slog.Any("providers", providers.Names()))

	// 6. ドメインサービスの初期化
	sessionMgr := session.NewManager(sessionRepo, userRepo, guard, alerts, session.Config{
		Validity: cfg.SessionValidity,
		BaseURL:  cfg.BaseURL,
		HashKey:  []byte(cfg.SessionHashKey),
	}, collector, slog.Default())

	linker := identity.NewLinker(identRepo, providers, guard, nil, collector, slog.Default())
	authService := auth.NewService(providers, linker, userRepo, identRepo, sessionMgr, slog.Default())
	userService := user.NewService(userRepo, sessionMgr)

	// 7. ルーターの構築
	cookie := middleware.CookieConfig{
		Name:   cfg.SessionCookieName,
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		Gatherer:          registry,
		Metrics:           collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Cookie:           cookie,
		SessionValidator: sessionMgr,
		Limiter:          limiter,
		Policies:         pols,
		Guard:            guard,
		Devices:          device.NewHeaderLookup(cfg.ClientCountryHeader, cfg.ClientCityHeader),
		ProxyTrust: middleware.ProxyTrust{
			Secret:  cfg.TrustedProxySecret,
			Proxies: proxies,
		},

		AuthService:     authService,
		IdentityService: linker,
		SessionService:  handler.NewSessionServiceAdapter(sessionMgr),
		UserService:     userService,
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのスイーパーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. ロック用の共有ストア
	store, buckets, closeStore, err := rateLimitStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. スイーパーの初期化
	_, collector := newMetrics()
	job := sweeper.New(repository.NewPostgresSessionRepo(db), buckets, store, collector, slog.Default())
	job.Interval = cfg.SessionSweepInterval

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", job.Interval),
	)

	// スイーパーをメインgoroutineで実行（ブロッキング）
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
