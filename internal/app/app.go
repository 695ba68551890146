package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/portfolio/internal/auth"
	"github.com/hitoshi/portfolio/internal/config"
	"github.com/hitoshi/portfolio/internal/database"
	"github.com/hitoshi/portfolio/internal/handler"
	"github.com/hitoshi/portfolio/internal/logger"
	"github.com/hitoshi/portfolio/internal/metrics"
	"github.com/hitoshi/portfolio/internal/middleware"
	"github.com/hitoshi/portfolio/internal/repository"
	"github.com/hitoshi/portfolio/internal/security"
	"github.com/hitoshi/portfolio/internal/user"
	"github.com/hitoshi/portfolio/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// dbPingTimeout は起動時のDB接続確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
		slog.String("mode", cmd.Description()),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_store", cfg.SessionStore),
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

// openDatabase はDB接続を開き、接続確認を行う。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database connection established")
	return db, nil
}

// newSessionRepo はSESSION_STOREに応じたセッションリポジトリを返す。
// closeはRedisクライアントの解放に使い、PostgreSQLの場合は何もしない。
func newSessionRepo(cfg *config.Config, db *sql.DB) (repo repository.SessionRepository, closeFn func() error, err error) {
	if cfg.SessionStore != config.SessionStoreRedis {
		return repository.NewPostgresSessionRepo(db), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis session store connected")
	return repository.NewRedisSessionRepo(client, ""), client.Close, nil
}

// buildProviders は設定からOAuthプロバイダーアダプターを構築する。
// ThaiIDのエンドポイントは設定値のため、起動時にhttpsかつ公開アドレスであることを検証する。
func buildProviders(ctx context.Context, cfg *config.Config, guard security.OutboundGuard, client *http.Client) ([]auth.Provider, error) {
	providerConfig := func(c config.OAuthProviderConfig) auth.ProviderConfig {
		return auth.ProviderConfig{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
		}
	}

	thaiID := cfg.ThaiID
	if thaiID.ClientID != "" {
		for _, endpoint := range []string{thaiID.AuthURL, thaiID.TokenURL, thaiID.UserinfoURL, thaiID.JWKSURL} {
			if endpoint == "" {
				continue
			}
			if err := guard.ValidateEndpoint(endpoint); err != nil {
				return nil, fmt.Errorf("invalid ThaiID endpoint %q: %w", endpoint, err)
			}
		}
	}

	thaiIDProviderConfig := providerConfig(thaiID.OAuthProviderConfig)
	thaiIDProviderConfig.Scopes = strings.Fields(thaiID.Scope)

	return []auth.Provider{
		auth.NewGoogleProvider(providerConfig(cfg.Google)),
		auth.NewFacebookProvider(providerConfig(cfg.Facebook)),
		auth.NewGitHubProvider(providerConfig(cfg.GitHub)),
		auth.NewLinkedInProvider(providerConfig(cfg.LinkedIn)),
		auth.NewThaiIDProvider(ctx, auth.ThaiIDConfig{
			ProviderConfig: thaiIDProviderConfig,
			AuthURL:        thaiID.AuthURL,
			TokenURL:       thaiID.TokenURL,
			UserinfoURL:    thaiID.UserinfoURL,
			Issuer:         thaiID.Issuer,
			JWKSURL:        thaiID.JWKSURL,
		}, client),
	}, nil
}

// newMetrics はPrometheusレジストリを作成し、認証メトリクスとランタイムメトリクスを登録する。
func newMetrics() (*metrics.Collector, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), metrics.Handler(reg)
}

// buildRouter は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
// 返却するstopはレートリミッターのクリーンアップgoroutineを停止する。
func buildRouter(ctx context.Context, cfg *config.Config, db *sql.DB, sessionRepo repository.SessionRepository) (http.Handler, func(), error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)

	// 2. セキュリティ・メトリクスの初期化
	signer, err := security.NewCookieSigner(cfg.SessionSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid SESSION_SECRET: %w", err)
	}
	guard := security.NewOutboundGuard()
	idpClient := guard.NewClient(cfg.OAuthHTTPTimeout)
	collector, metricsHandler := newMetrics()

	// 3. ドメインサービスの初期化
	authService := auth.NewService(userRepo, identRepo, sessionRepo, auth.ServiceConfig{
		SessionMaxAge:      cfg.SessionMaxAge,
		PasswordIterations: cfg.PasswordIterations,
	})
	userService := user.NewService(userRepo, sessionRepo)

	providers, err := buildProviders(ctx, cfg, guard, idpClient)
	if err != nil {
		return nil, nil, err
	}
	orchestrator := auth.NewOrchestrator(authService, idpClient, collector, auth.OrchestratorConfig{
		HTTPTimeout: cfg.OAuthHTTPTimeout,
		RetryDelay:  cfg.OAuthRetryDelay,
	}, providers...)

	for _, p := range providers {
		slog.Info("oauth provider registered",
			slog.String("provider", string(p.Name())),
			slog.Bool("configured", p.Configured()),
			slog.Bool("demo_fallback", !p.Configured() && p.DemoFallback()),
		)
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAuth, cfg.RateLimitGeneral))

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  db,
		Logger:         slog.Default(),
		Metrics:        collector,
		MetricsHandler: metricsHandler,

		SessionResolver:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		AuthService: handler.NewAuthServiceAdapter(authService),
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		OAuthOrchestrator: orchestrator,
		CookieSigner:      signer,
		OAuthStateMaxAge:  cfg.OAuthStateMaxAge,
		LoginPath:         cfg.LoginPath,

		AdminService: authService,
		UserService:  handler.NewUserServiceAdapter(userService),
	})

	return router, rateLimiter.Stop, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sessionRepo, closeSessions, err := newSessionRepo(cfg, db)
	if err != nil {
		return err
	}
	defer closeSessions()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, stopRouter, err := buildRouter(ctx, cfg, db, sessionRepo)
	if err != nil {
		return err
	}
	defer stopRouter()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップをSESSION_CLEANUP_INTERVAL間隔で実行する。
// RedisセッションストアはTTLで失効するため、ジョブを起動せずに終了する。
func runWorker(cfg *config.Config) error {
	if cfg.SessionStore == config.SessionStoreRedis {
		slog.Info("session cleanup is not required for redis session store")
		return nil
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := cleanup.NewCleanupJob(db, slog.Default())
	scheduler := cleanup.NewScheduler(job, slog.Default(), cfg.SessionCleanupInterval)

	// コンテキストがキャンセルされるまでブロックする
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
