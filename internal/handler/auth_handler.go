package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/portfolio/internal/metrics"
	"github.com/hitoshi/portfolio/internal/model"
)

// AuthServiceInterface はローカル認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, name, email, password string) (*model.User, error)
	Login(ctx context.Context, email, password string) (*model.User, *model.Session, error)
	Logout(ctx context.Context, token string) error
	GetCurrentUser(ctx context.Context, token string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

func (c AuthHandlerConfig) cookies() cookieJar {
	return cookieJar{domain: c.CookieDomain, secure: c.CookieSecure}
}

// AuthHandler はローカル認証（ログイン・登録・ログアウト・セッション確認）のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	metrics metrics.AuthMetrics
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。mがnilの場合はメトリクスを記録しない。
func NewAuthHandler(service AuthServiceInterface, m metrics.AuthMetrics, config AuthHandlerConfig) *AuthHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &AuthHandler{
		service: service,
		metrics: m,
		config:  config,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	OK   bool          `json:"ok"`
	User *userResponse `json:"user"`
}

type meResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *userResponse `json:"user,omitempty"`
}

// Login はメールアドレスとパスワードで認証し、セッションCookieを発行する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewGenericError("リクエストボディが不正です"))
		return
	}

	user, session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			h.metrics.RecordLogin(metrics.ResultError)
			slog.Warn("login failed", slog.String("reason", "invalid_credentials"))
			writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
			return
		}
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordLogin(metrics.ResultSuccess)
	h.metrics.RecordSessionCreated(string(model.ProviderLocal))

	h.config.cookies().setSession(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusOK, loginResponse{OK: true, User: toUserResponse(user)})
}

// Register はローカルユーザーを登録する。登録のみでセッションは発行しない。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewGenericError("リクエストボディが不正です"))
		return
	}

	if _, err := h.service.Register(r.Context(), req.Name, req.Email, req.Password); err != nil {
		h.metrics.RecordRegistration(metrics.ResultError)
		switch {
		case errors.Is(err, model.ErrUserExists):
			writeAPIErrorResponse(w, http.StatusConflict, model.NewUserExistsError())
		case errors.Is(err, model.ErrInvalidInput):
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewGenericError(err.Error()))
		default:
			handleServiceError(w, err)
		}
		return
	}

	h.metrics.RecordRegistration(metrics.ResultSuccess)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Logout はセッションを破棄し、セッションCookieを削除する。
// セッションがない場合や破棄済みの場合も成功を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := h.service.Logout(r.Context(), token); err != nil {
			// 破棄に失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.config.cookies().clearSession(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Me は現在のログイン状態を返す。未ログイン・期限切れの場合もエラーにはしない。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, meResponse{Authenticated: false})
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), token)
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, meResponse{Authenticated: false})
		return
	}
	if user == nil {
		writeJSON(w, http.StatusOK, meResponse{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, meResponse{Authenticated: true, User: toUserResponse(user)})
}
