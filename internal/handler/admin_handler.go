package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/portfolio/internal/middleware"
	"github.com/hitoshi/portfolio/internal/model"
)

// AdminServiceInterface はセッション必須の管理APIが必要とするサービスインターフェース。
// auth.Serviceが実装する。
type AdminServiceInterface interface {
	FindUserByID(ctx context.Context, userID string) (*model.User, error)
	ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error)
	RevokeAllSessions(ctx context.Context, userID string) error
}

// AdminHandler はログインユーザー自身のアカウント情報・セッションを扱うHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
	config  AuthHandlerConfig
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface, config AuthHandlerConfig) *AdminHandler {
	return &AdminHandler{service: service, config: config}
}

type identityResponse struct {
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

type whoAmIResponse struct {
	User       *userResponse      `json:"user"`
	Identities []identityResponse `json:"identities"`
}

// WhoAmI はセッションに紐付くユーザーと連携済みIdPの一覧を返す。
// GET /api/admin/whoami
func (h *AdminHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.FindUserByID(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if user == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	identities, err := h.service.ListIdentities(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := whoAmIResponse{
		User:       toUserResponse(user),
		Identities: make([]identityResponse, 0, len(identities)),
	}
	for _, ident := range identities {
		resp.Identities = append(resp.Identities, identityResponse{
			Provider:  string(ident.Provider),
			CreatedAt: ident.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// RevokeSessions はログインユーザーの全セッションを破棄する（全端末からログアウト）。
// DELETE /api/admin/sessions
func (h *AdminHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.RevokeAllSessions(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	h.config.cookies().clearSession(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
