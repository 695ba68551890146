package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/portfolio/internal/auth"
	"github.com/hitoshi/portfolio/internal/model"
	"github.com/hitoshi/portfolio/internal/security"
)

// OAuthOrchestrator はOAuthハンドラーが必要とするフロー制御のインターフェース。
// auth.Orchestratorが実装する。
type OAuthOrchestrator interface {
	Start(ctx context.Context, name model.Provider, redirect string) (*auth.StartResult, error)
	Complete(ctx context.Context, name model.Provider, params auth.CallbackParams, tx auth.Transaction) (*auth.CompleteResult, error)
}

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	AuthHandlerConfig
	StateMaxAge int    // トランザクションCookieの有効期間（秒）
	LoginPath   string // ユーザー向けエラー時のリダイレクト先
}

// OAuthHandler はOAuth開始・コールバックのHTTPハンドラー。
// トランザクション状態（state・PKCE verifier・redirect・nonce）は署名付きCookieで保持し、
// サーバー側には保存しない。
type OAuthHandler struct {
	orchestrator OAuthOrchestrator
	signer       *security.CookieSigner
	config       OAuthHandlerConfig
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(orchestrator OAuthOrchestrator, signer *security.CookieSigner, config OAuthHandlerConfig) *OAuthHandler {
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	return &OAuthHandler{
		orchestrator: orchestrator,
		signer:       signer,
		config:       config,
	}
}

type startResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	QRURL            string `json:"qrUrl,omitempty"`
}

// oauthErrorResponse はOAuth APIのエラーレスポンス。
type oauthErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Start はOAuthフローを開始し、認可URLを返す。
// GET /api/auth/{provider}/start?redirect=/path
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	name, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeOAuthError(w, http.StatusNotFound, model.ErrCodeUnknownProvider, "")
		return
	}

	result, err := h.orchestrator.Start(r.Context(), name, r.URL.Query().Get("redirect"))
	if err != nil {
		status, code := oauthErrorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("failed to start oauth flow",
				slog.String("provider", string(name)),
				slog.String("error", err.Error()),
			)
		}
		writeOAuthError(w, status, code, name)
		return
	}

	h.writeTransaction(w, name, result.Transaction)
	writeJSON(w, http.StatusOK, startResponse{
		AuthorizationURL: result.AuthorizationURL,
		QRURL:            result.QRURL,
	})
}

// Callback はIdPからのコールバックを処理し、セッションCookieを発行してリダイレクトする。
// トランザクションCookieは成功・失敗に関わらず削除する。
// GET|POST /api/auth/{provider}/callback?code=xxx&state=yyy
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	name, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeOAuthError(w, http.StatusNotFound, model.ErrCodeUnknownProvider, "")
		return
	}

	tx := h.readTransaction(r, name)
	h.clearTransaction(w, name)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	params := auth.CallbackParams{
		Code:  r.FormValue("code"),
		State: r.FormValue("state"),
		Error: r.FormValue("error"),
	}

	result, err := h.orchestrator.Complete(r.Context(), name, params, tx)
	if err != nil {
		h.failCallback(w, r, name, err)
		return
	}

	h.config.cookies().setSession(w, result.Session.ID, h.config.SessionMaxAge)
	http.Redirect(w, r, result.Redirect, http.StatusSeeOther)
}

// failCallback はコールバック失敗時の応答を返す。
// ユーザー向けの再試行導線を持つプロバイダーはログインページへエラーコード付きでリダイレクトし、
// それ以外はJSONエラーを返す。
func (h *OAuthHandler) failCallback(w http.ResponseWriter, r *http.Request, name model.Provider, err error) {
	status, code := oauthErrorStatus(err)
	if status >= http.StatusInternalServerError && !auth.IsUserFacingError(err) {
		slog.Error("oauth callback failed",
			slog.String("provider", string(name)),
			slog.String("error", err.Error()),
		)
	}

	if redirectsOnError(name) {
		http.Redirect(w, r, loginErrorURL(h.config.LoginPath, code, name), http.StatusSeeOther)
		return
	}
	writeOAuthError(w, status, code, name)
}

// writeTransaction はトランザクション状態を署名付きCookieに保存する。
func (h *OAuthHandler) writeTransaction(w http.ResponseWriter, name model.Provider, tx auth.Transaction) {
	names := transactionCookieNames(name)
	jar := h.config.cookies()

	jar.set(w, names.state, h.signer.Sign(names.state, tx.State), h.config.StateMaxAge)
	jar.set(w, names.redirect, h.signer.Sign(names.redirect, tx.Redirect), h.config.StateMaxAge)
	if tx.Verifier != "" {
		jar.set(w, names.verifier, h.signer.Sign(names.verifier, tx.Verifier), h.config.StateMaxAge)
	}
	if names.nonce != "" && tx.Nonce != "" {
		jar.set(w, names.nonce, h.signer.Sign(names.nonce, tx.Nonce), h.config.StateMaxAge)
	}
}

// readTransaction は署名付きCookieからトランザクション状態を復元する。
// 欠落・署名不正のCookieは空値として扱い、state照合で失敗させる。
func (h *OAuthHandler) readTransaction(r *http.Request, name model.Provider) auth.Transaction {
	names := transactionCookieNames(name)
	tx := auth.Transaction{
		State:    h.readSigned(r, names.state),
		Verifier: h.readSigned(r, names.verifier),
		Redirect: h.readSigned(r, names.redirect),
	}
	if names.nonce != "" {
		tx.Nonce = h.readSigned(r, names.nonce)
	}
	return tx
}

func (h *OAuthHandler) readSigned(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return ""
	}
	value, err := h.signer.Verify(name, cookie.Value)
	if err != nil {
		slog.Warn("invalid transaction cookie",
			slog.String("cookie", name),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return value
}

// clearTransaction はトランザクションCookieをすべて削除する。
func (h *OAuthHandler) clearTransaction(w http.ResponseWriter, name model.Provider) {
	jar := h.config.cookies()
	for _, cookie := range transactionCookieNames(name).all() {
		jar.clear(w, cookie)
	}
}

// redirectsOnError はコールバック失敗時にログインページへ戻すプロバイダーかどうかを返す。
func redirectsOnError(name model.Provider) bool {
	switch name {
	case model.ProviderGoogle, model.ProviderLinkedIn, model.ProviderThaiID:
		return true
	default:
		return false
	}
}

// loginErrorURL はログインページのURLにerrorとproviderのクエリを付与する。
func loginErrorURL(loginPath, code string, name model.Provider) string {
	u, err := url.Parse(loginPath)
	if err != nil {
		u = &url.URL{Path: "/login"}
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("provider", string(name))
	u.RawQuery = q.Encode()
	return u.String()
}

// oauthErrorStatus はOAuthフローのエラーをHTTPステータスとエラーコードに変換する。
func oauthErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusBadRequest, model.ErrCodeInvalidState
	case errors.Is(err, model.ErrNotConfigured):
		return http.StatusBadRequest, model.ErrCodeNotConfigured
	case errors.Is(err, auth.ErrUnknownProvider):
		return http.StatusNotFound, model.ErrCodeUnknownProvider
	case errors.Is(err, model.ErrTokenExchangeFailed):
		return http.StatusBadGateway, model.ErrCodeTokenExchangeFailed
	case errors.Is(err, model.ErrUserinfoFailed):
		return http.StatusBadGateway, model.ErrCodeUserinfoFailed
	default:
		return http.StatusInternalServerError, model.ErrCodeInternalError
	}
}

// writeOAuthError は {"error": code, "message": ...} 形式のエラーレスポンスを書き込む。
func writeOAuthError(w http.ResponseWriter, statusCode int, code string, name model.Provider) {
	writeJSON(w, statusCode, oauthErrorResponse{
		Error:   code,
		Message: model.NewOAuthError(code, name).Message,
	})
}
