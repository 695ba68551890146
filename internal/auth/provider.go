package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/oauth2"
)

// maxUserinfoBodySize はIdPのユーザー情報レスポンスの最大サイズ（1MB）。
const maxUserinfoBodySize = 1 << 20

// ErrUnknownProvider は未登録のプロバイダーが指定された場合のエラー。
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderConfig はプロバイダーアダプターの設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string // 空の場合はプロバイダー既定のスコープ
}

// Transaction はstartからcallbackまでCookieで持ち回るOAuthトランザクション状態。
type Transaction struct {
	State    string
	Verifier string // PKCE対応プロバイダーのみ
	Nonce    string // ThaiIDのみ
	Redirect string
}

// Provider はOAuthプロバイダーごとの差異を吸収するアダプター。
// フローの進行はOrchestratorが担い、アダプターは認可URL・コード交換・ユーザー情報取得のみを実装する。
type Provider interface {
	Name() model.Provider
	// Configured はクライアントIDが設定されているかを返す。
	Configured() bool
	// DemoFallback は未設定時にデモ用の疑似ログインを許可するかを返す。
	DemoFallback() bool
	UsesPKCE() bool
	UsesNonce() bool
	RedirectURL() string
	AuthCodeURL(state, verifier, nonce string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	FetchIdentity(ctx context.Context, token *oauth2.Token, tx Transaction) (*OAuthIdentity, error)
}

// baseProvider はoauth2.Configを保持し、Providerの共通部分を実装する。
type baseProvider struct {
	name   model.Provider
	config oauth2.Config
	pkce   bool
	nonce  bool
	demo   bool
}

func newBaseProvider(name model.Provider, cfg ProviderConfig, endpoint oauth2.Endpoint, defaultScopes []string) baseProvider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	// 認証方式の自動判定は失敗時にトークンエンドポイントへ2回送信するため、常にパラメータ送信に固定する
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return baseProvider{
		name: name,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		demo: true,
	}
}

func (p *baseProvider) Name() model.Provider { return p.name }

func (p *baseProvider) Configured() bool { return p.config.ClientID != "" }

func (p *baseProvider) DemoFallback() bool { return p.demo }

func (p *baseProvider) UsesPKCE() bool { return p.pkce }

func (p *baseProvider) UsesNonce() bool { return p.nonce }

func (p *baseProvider) RedirectURL() string { return p.config.RedirectURL }

// AuthCodeURL はresponse_type=codeの認可URLを生成する。
// verifierが空でなければS256のcode_challengeを、nonceが空でなければnonceを付与する。
func (p *baseProvider) AuthCodeURL(state, verifier, nonce string) string {
	var opts []oauth2.AuthCodeOption
	if p.pkce && verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if p.nonce && nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// Exchange は認可コードをアクセストークンに交換する。
// HTTPクライアントはctxのoauth2.HTTPClientから取得される。
func (p *baseProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if p.pkce && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	return p.config.Exchange(ctx, code, opts...)
}

// client はアクセストークンをBearerヘッダーに付与するHTTPクライアントを返す。
func (p *baseProvider) client(ctx context.Context, token *oauth2.Token) *http.Client {
	return p.config.Client(ctx, token)
}

// StatusError はIdPのAPIが2xx以外を返したことを表す。再試行の対象外。
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.Endpoint)
}

// isStatusError はerrがIdPの非2xx応答によるものかを返す。
// 通信エラーやタイムアウトはfalseとなり、呼び出し元へ返して再試行させる。
func isStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

// getJSON はGETリクエストを送信し、レスポンスJSONをdstにデコードする。
func getJSON(ctx context.Context, client *http.Client, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: redactQuery(endpoint), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserinfoBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", redactQuery(endpoint), err)
	}
	return nil
}

// redactQuery はログ・エラー用にクエリ文字列を取り除く。
func redactQuery(endpoint string) string {
	base, _, _ := strings.Cut(endpoint, "?")
	return base
}

// flexBool は true/false と "true"/"false" の両方を受け付けるJSONの真偽値。
type flexBool struct {
	Valid bool
	Value bool
}

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	switch string(data) {
	case "true":
		*b = flexBool{Valid: true, Value: true}
	case "false":
		*b = flexBool{Valid: true, Value: false}
	default:
		*b = flexBool{}
	}
	return nil
}

// ptr はクレームが存在する場合のみ値へのポインタを返す。
func (b flexBool) ptr() *bool {
	if !b.Valid {
		return nil
	}
	v := b.Value
	return &v
}

// joinName は姓名を空白区切りで結合する。
func joinName(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// providerTitles はデモユーザー名に使うプロバイダーの表示名。
var providerTitles = map[model.Provider]string{
	model.ProviderGoogle:   "Google",
	model.ProviderFacebook: "Facebook",
	model.ProviderGitHub:   "GitHub",
	model.ProviderLinkedIn: "LinkedIn",
	model.ProviderThaiID:   "ThaiID",
}

// demoIdentity はクライアントID未設定のプロバイダーで使う固定のデモユーザーを返す。
func demoIdentity(name model.Provider) *OAuthIdentity {
	title := providerTitles[name]
	if title == "" {
		title = string(name)
	}
	return &OAuthIdentity{
		Provider: name,
		Subject:  "demo-" + string(name),
		Email:    fmt.Sprintf("demo.%s@example.com", name),
		Name:     fmt.Sprintf("Demo %s User", title),
	}
}
