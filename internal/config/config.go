package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSessionSecretLength はSESSION_SECRETの最小文字数。
const MinSessionSecretLength = 32

// セッションストアの種別。
const (
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
)

// minPasswordIterations はPASSWORD_ITERATIONSの既定値かつ下限。
const minPasswordIterations = 100000

// OAuthProviderConfig はOAuthプロバイダーごとのクライアント設定。
// ClientIDが空の場合、そのプロバイダーはデモ用の疑似ログインとして動作する。
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// ThaiIDConfig はThaiID（汎用OIDC）の設定。
type ThaiIDConfig struct {
	OAuthProviderConfig
	AuthURL     string
	TokenURL    string
	UserinfoURL string
	Scope       string
	Issuer      string
	JWKSURL     string
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	Google   OAuthProviderConfig
	Facebook OAuthProviderConfig
	GitHub   OAuthProviderConfig
	LinkedIn OAuthProviderConfig
	ThaiID   ThaiIDConfig

	OAuthHTTPTimeout time.Duration
	OAuthRetryDelay  time.Duration
	OAuthStateMaxAge int
	LoginPath        string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	SessionStore           string
	RedisURL               string
	SessionCleanupInterval time.Duration

	// PasswordIterations はPBKDF2の反復回数。下限は100000。
	PasswordIterations int

	// Rate Limit
	RateLimitAuth    int
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// TrustProxyHeaders はX-Forwarded-For等からクライアントIPを取得するかどうか。
	// リバースプロキシ配下でのみ有効にする。
	TrustProxyHeaders bool
}

// LoadDotEnv はカレントディレクトリの.envを環境変数に読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や設定値が矛盾する場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < MinSessionSecretLength {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d characters", MinSessionSecretLength)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionStore = strings.ToLower(getEnvString("SESSION_STORE", SessionStorePostgres))
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.PasswordIterations = getEnvInt("PASSWORD_ITERATIONS", minPasswordIterations)
	cfg.OAuthHTTPTimeout = getEnvDuration("OAUTH_HTTP_TIMEOUT", 10*time.Second)
	cfg.OAuthRetryDelay = getEnvDuration("OAUTH_RETRY_DELAY", 500*time.Millisecond)
	cfg.OAuthStateMaxAge = getEnvInt("OAUTH_STATE_MAX_AGE", 600)
	cfg.LoginPath = getEnvString("LOGIN_PATH", "/login")
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)

	cfg.Google = cfg.loadProvider("GOOGLE", "google")
	cfg.Facebook = cfg.loadProvider("FACEBOOK", "facebook")
	cfg.GitHub = cfg.loadProvider("GITHUB", "github")
	cfg.LinkedIn = cfg.loadProvider("LINKEDIN", "linkedin")
	cfg.ThaiID = ThaiIDConfig{
		OAuthProviderConfig: cfg.loadProvider("THAID", "thaiid"),
		AuthURL:             getEnvString("THAID_AUTH_URL", ""),
		TokenURL:            getEnvString("THAID_TOKEN_URL", ""),
		UserinfoURL:         getEnvString("THAID_USERINFO_URL", ""),
		Scope:               getEnvString("THAID_SCOPE", "openid pid name"),
		Issuer:              getEnvString("THAID_ISSUER", ""),
		JWKSURL:             getEnvString("THAID_JWKS_URL", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadProvider はプレフィックス付きの環境変数からプロバイダー設定を読み込む。
// リダイレクトURIの既定値は BASE_URL + /api/auth/<provider>/callback。
func (c *Config) loadProvider(prefix, name string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		RedirectURL:  getEnvString(prefix+"_REDIRECT_URI", c.BaseURL+"/api/auth/"+name+"/callback"),
	}
}

func (c *Config) validate() error {
	switch c.SessionStore {
	case SessionStorePostgres:
	case SessionStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE=%s", SessionStoreRedis)
		}
	default:
		return fmt.Errorf("unsupported SESSION_STORE: %q", c.SessionStore)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported LOG_LEVEL: %q", c.LogLevel)
	}

	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive")
	}

	if c.PasswordIterations < minPasswordIterations {
		return fmt.Errorf("PASSWORD_ITERATIONS must be at least %d", minPasswordIterations)
	}

	if c.ThaiID.ClientID != "" {
		var missing []string
		if c.ThaiID.AuthURL == "" {
			missing = append(missing, "THAID_AUTH_URL")
		}
		if c.ThaiID.TokenURL == "" {
			missing = append(missing, "THAID_TOKEN_URL")
		}
		if c.ThaiID.UserinfoURL == "" && c.ThaiID.Issuer == "" {
			missing = append(missing, "THAID_USERINFO_URL")
		}
		if len(missing) > 0 {
			return fmt.Errorf("THAID_CLIENT_ID is set but required variables are missing: %v", missing)
		}
	}
	if c.ThaiID.Issuer != "" && c.ThaiID.JWKSURL == "" {
		return fmt.Errorf("THAID_JWKS_URL is required when THAID_ISSUER is set")
	}

	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
