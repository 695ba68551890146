package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/portfolio/internal/metrics"
	"github.com/hitoshi/portfolio/internal/model"
	"github.com/hitoshi/portfolio/internal/security"
	"golang.org/x/oauth2"
)

// OAuth呼び出しの既定値。
const (
	DefaultOAuthHTTPTimeout = 10 * time.Second
	DefaultOAuthRetryDelay  = 500 * time.Millisecond
)

// demoCode はデモ用の疑似ログインで使う認可コード。
const demoCode = "demo"

// stateBytes はstate・nonceの乱数バイト数。
const stateBytes = 32

// IdP呼び出しのステップ名（メトリクス・ログのラベル）。
const (
	stepExchange = "exchange"
	stepUserinfo = "userinfo"
)

// OrchestratorConfig はOAuthオーケストレーターの設定。
type OrchestratorConfig struct {
	HTTPTimeout time.Duration // IdP呼び出し1回あたりのタイムアウト
	RetryDelay  time.Duration // 通信エラー時の再試行までの待機時間
}

// IdentityIssuer はIdPのユーザーを照合しセッションを発行する。*Serviceが実装する。
type IdentityIssuer interface {
	UpsertOAuthUser(ctx context.Context, id OAuthIdentity) (*model.User, error)
	CreateSession(ctx context.Context, userID string) (*model.Session, error)
}

var _ IdentityIssuer = (*Service)(nil)

// StartResult はstartフェーズの結果。Transactionは呼び出し側がCookieに保存する。
type StartResult struct {
	AuthorizationURL string
	QRURL            string // ThaiIDのみ
	Transaction      Transaction
	Demo             bool
}

// CallbackParams はIdPからのコールバックで受け取るパラメータ。
type CallbackParams struct {
	Code  string
	State string
	Error string // IdPが返したerrorパラメータ
}

// CompleteResult はcallbackフェーズの結果。
type CompleteResult struct {
	User     *model.User
	Session  *model.Session
	Redirect string
}

// Orchestrator はプロバイダー共通のOAuth認可コードフローを進行する。
type Orchestrator struct {
	providers map[model.Provider]Provider
	issuer    IdentityIssuer
	client    *http.Client
	metrics   metrics.AuthMetrics
	config    OrchestratorConfig
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator はOrchestratorを生成する。
// clientはトークン交換・ユーザー情報取得に使うHTTPクライアント。
func NewOrchestrator(issuer IdentityIssuer, client *http.Client, m metrics.AuthMetrics, config OrchestratorConfig, providers ...Provider) *Orchestrator {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = DefaultOAuthHTTPTimeout
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = DefaultOAuthRetryDelay
	}
	if client == nil {
		client = http.DefaultClient
	}
	if m == nil {
		m = metrics.Nop{}
	}

	registry := make(map[model.Provider]Provider, len(providers))
	for _, p := range providers {
		registry[p.Name()] = p
	}

	return &Orchestrator{
		providers: registry,
		issuer:    issuer,
		client:    client,
		metrics:   m,
		config:    config,
		sleep:     sleepContext,
	}
}

// Provider は登録済みのプロバイダーアダプターを返す。
func (o *Orchestrator) Provider(name model.Provider) (Provider, bool) {
	p, ok := o.providers[name]
	return p, ok
}

// Start はstate（とPKCEのverifier、nonce）を生成し、認可URLを組み立てる。
// クライアントIDが未設定の場合は自身のコールバックへ code=demo で戻るURLを返す。
func (o *Orchestrator) Start(ctx context.Context, name model.Provider, redirect string) (*StartResult, error) {
	p, ok := o.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if !p.Configured() && !p.DemoFallback() {
		return nil, fmt.Errorf("%w: %s", model.ErrNotConfigured, name)
	}

	state, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	tx := Transaction{
		State:    state,
		Redirect: security.SafeRedirectPath(redirect),
	}
	if p.UsesPKCE() {
		tx.Verifier = oauth2.GenerateVerifier()
	}
	if p.UsesNonce() {
		if tx.Nonce, err = randomToken(); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
	}

	result := &StartResult{Transaction: tx}
	if p.Configured() {
		result.AuthorizationURL = p.AuthCodeURL(tx.State, tx.Verifier, tx.Nonce)
	} else {
		result.AuthorizationURL, err = demoAuthorizationURL(p.RedirectURL(), tx.State)
		if err != nil {
			return nil, err
		}
		result.Demo = true
	}

	if name == model.ProviderThaiID {
		if result.QRURL, err = qrDataURL(result.AuthorizationURL); err != nil {
			return nil, err
		}
	}

	slog.InfoContext(ctx, "oauth flow started",
		slog.String("provider", string(name)),
		slog.Bool("demo", result.Demo),
	)
	return result, nil
}

// Complete はstateを検証し、認可コードの交換・ユーザー情報の取得・ユーザーの照合・セッション発行を行う。
// 失敗時はmodel.ErrInvalidState、ErrTokenExchangeFailed、ErrUserinfoFailed、ErrNotConfiguredのいずれかをラップして返す。
func (o *Orchestrator) Complete(ctx context.Context, name model.Provider, params CallbackParams, tx Transaction) (*CompleteResult, error) {
	result, err := o.complete(ctx, name, params, tx)
	if err != nil {
		o.metrics.RecordOAuthCallback(string(name), metrics.ResultError)
		slog.WarnContext(ctx, "oauth callback failed",
			slog.String("provider", string(name)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	o.metrics.RecordOAuthCallback(string(name), metrics.ResultSuccess)
	o.metrics.RecordSessionCreated(string(name))
	slog.InfoContext(ctx, "user logged in",
		slog.String("user_id", result.User.ID),
		slog.String("provider", string(name)),
	)
	return result, nil
}

func (o *Orchestrator) complete(ctx context.Context, name model.Provider, params CallbackParams, tx Transaction) (*CompleteResult, error) {
	p, ok := o.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	if tx.State == "" || params.State == "" ||
		subtle.ConstantTimeCompare([]byte(tx.State), []byte(params.State)) != 1 {
		return nil, model.ErrInvalidState
	}
	if params.Error != "" {
		return nil, fmt.Errorf("%w: provider returned %q", model.ErrTokenExchangeFailed, params.Error)
	}

	var identity *OAuthIdentity
	switch {
	case !p.Configured() && !p.DemoFallback():
		return nil, fmt.Errorf("%w: %s", model.ErrNotConfigured, name)
	case !p.Configured():
		identity = demoIdentity(name)
	default:
		var err error
		if identity, err = o.fetchIdentity(ctx, p, params.Code, tx); err != nil {
			return nil, err
		}
	}

	user, err := o.issuer.UpsertOAuthUser(ctx, *identity)
	if err != nil {
		return nil, err
	}

	session, err := o.issuer.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &CompleteResult{
		User:     user,
		Session:  session,
		Redirect: security.SafeRedirectPath(tx.Redirect),
	}, nil
}

// fetchIdentity は認可コードを交換し、アクセストークンでユーザー情報を取得する。
func (o *Orchestrator) fetchIdentity(ctx context.Context, p Provider, code string, tx Transaction) (*OAuthIdentity, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", model.ErrTokenExchangeFailed)
	}
	if p.UsesPKCE() && tx.Verifier == "" {
		return nil, fmt.Errorf("%w: missing code verifier", model.ErrInvalidState)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	provider := string(p.Name())

	var token *oauth2.Token
	start := time.Now()
	err := o.callIdP(ctx, func(ctx context.Context) error {
		var err error
		token, err = p.Exchange(ctx, code, tx.Verifier)
		return err
	})
	o.metrics.ObserveIdPRequest(provider, stepExchange, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTokenExchangeFailed, err)
	}

	var identity *OAuthIdentity
	start = time.Now()
	err = o.callIdP(ctx, func(ctx context.Context) error {
		var err error
		identity, err = p.FetchIdentity(ctx, token, tx)
		return err
	})
	o.metrics.ObserveIdPRequest(provider, stepUserinfo, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUserinfoFailed, err)
	}

	return identity, nil
}

// demoAuthorizationURL は自身のコールバックURLに code=demo と state を付与したURLを返す。
func demoAuthorizationURL(redirectURL, state string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect url: %w", err)
	}
	q := u.Query()
	q.Set("code", demoCode)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// randomToken は暗号的に安全な乱数をbase64url（パディングなし）で返す。
func randomToken() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IsUserFacingError はOAuthエラーがユーザー起因（再ログインで解決しうる）かを判定する。
func IsUserFacingError(err error) bool {
	return errors.Is(err, model.ErrInvalidState) ||
		errors.Is(err, model.ErrTokenExchangeFailed) ||
		errors.Is(err, model.ErrUserinfoFailed) ||
		errors.Is(err, model.ErrNotConfigured)
}
