package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/portfolio/internal/metrics"
	"github.com/hitoshi/portfolio/internal/middleware"
	"github.com/hitoshi/portfolio/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 運用
	HealthChecker  HealthChecker
	Logger         *slog.Logger
	Metrics        metrics.AuthMetrics
	MetricsHandler http.Handler

	// ミドルウェア依存
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustProxyHeaders bool

	// ローカル認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// OAuth
	OAuthOrchestrator OAuthOrchestrator
	CookieSigner      *security.CookieSigner
	OAuthStateMaxAge  int
	LoginPath         string

	// セッション必須API
	AdminService AdminServiceInterface
	UserService  UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	(RealIP) → Logging → Recovery → SecurityHeaders → CORS → Session
//
// セッション必須のルートには追加で RequireAuth → RateLimit(General) → CSRF を適用する。
// ログイン・登録にはクライアントIP単位のRateLimit(Auth)を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var observer middleware.StatusObserver
	if deps.Metrics != nil {
		observer = deps.Metrics
	}

	if deps.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger, observer))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.AuthConfig.CookieSecure,
		CookieDomain: deps.AuthConfig.CookieDomain,
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Metrics, deps.AuthConfig)
	oauthHandler := NewOAuthHandler(deps.OAuthOrchestrator, deps.CookieSigner, OAuthHandlerConfig{
		AuthHandlerConfig: deps.AuthConfig,
		StateMaxAge:       deps.OAuthStateMaxAge,
		LoginPath:         deps.LoginPath,
	})
	adminHandler := NewAdminHandler(deps.AdminService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))

	r.Route("/api/auth", func(r chi.Router) {
		// ローカル認証
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
		})
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)

		// OAuthフロー
		r.Get("/{provider}/start", oauthHandler.Start)
		r.Get("/{provider}/callback", oauthHandler.Callback)
		r.Post("/{provider}/callback", oauthHandler.Callback)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: RequireAuth → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/whoami", adminHandler.WhoAmI)
			r.Delete("/sessions", adminHandler.RevokeSessions)
		})

		r.Route("/api/users", func(r chi.Router) {
			r.Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}
