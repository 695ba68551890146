package handler

import (
	"context"

	"github.com/hitoshi/portfolio/internal/auth"
	"github.com/hitoshi/portfolio/internal/model"
	"github.com/hitoshi/portfolio/internal/user"
)

// AuthServiceAdapter は auth.Service を AuthServiceInterface に適合させるアダプタ。
type AuthServiceAdapter struct {
	svc *auth.Service
}

// NewAuthServiceAdapter はAuthServiceAdapterを生成する。
func NewAuthServiceAdapter(svc *auth.Service) *AuthServiceAdapter {
	return &AuthServiceAdapter{svc: svc}
}

// Register はローカルユーザーを登録する。
func (a *AuthServiceAdapter) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	return a.svc.Register(ctx, auth.RegisterInput{
		Name:     name,
		Email:    email,
		Password: password,
	})
}

// Login は資格情報を検証しセッションを発行する。
func (a *AuthServiceAdapter) Login(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	return a.svc.Login(ctx, email, password)
}

// Logout はセッションを破棄する。
func (a *AuthServiceAdapter) Logout(ctx context.Context, token string) error {
	return a.svc.RevokeSession(ctx, token)
}

// GetCurrentUser はセッショントークンから現在のユーザーを返す。
func (a *AuthServiceAdapter) GetCurrentUser(ctx context.Context, token string) (*model.User, error) {
	return a.svc.GetCurrentUser(ctx, token)
}

// UserServiceAdapter は user.Service を UserServiceInterface に適合させるアダプタ。
type UserServiceAdapter struct {
	svc *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(svc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{svc: svc}
}

// Withdraw はユーザーの退会処理を実行する。
func (a *UserServiceAdapter) Withdraw(ctx context.Context, userID string) error {
	return a.svc.Withdraw(ctx, userID)
}

// --- compile-time interface checks ---

var _ AuthServiceInterface = (*AuthServiceAdapter)(nil)
var _ UserServiceInterface = (*UserServiceAdapter)(nil)
var _ AdminServiceInterface = (*auth.Service)(nil)
var _ OAuthOrchestrator = (*auth.Orchestrator)(nil)
