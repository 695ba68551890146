// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/portfolio/internal/model"
)

// UserRepository はユーザーデータ（資格情報ストア）の永続化インターフェース。
// メールアドレスは正規化済み（model.NormalizeEmail）の値を受け取る。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByProviderSubject はproviderとsubject IDに紐付いたユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByProviderSubject(ctx context.Context, provider model.Provider, subjectID string) (*model.User, error)

	// CreateLocal はパスワード資格情報付きのローカルユーザーを作成する。
	// 同一メールアドレスのユーザーが存在する場合はmodel.ErrUserExistsを返す。
	CreateLocal(ctx context.Context, user *model.User) error

	// UpsertOAuth は外部IdPのユーザーを照合または作成する。
	// subject一致 → メール一致（identityを追加） → 新規作成 の順で解決し、
	// 既存のパスワード資格情報は変更しない。createdは新規作成時のみtrue。
	UpsertOAuth(ctx context.Context, in OAuthUpsert) (user *model.User, created bool, err error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// OAuthUpsert はUpsertOAuthの入力。
type OAuthUpsert struct {
	Provider  model.Provider
	SubjectID string
	Email     string // 正規化済み
	Name      string
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider model.Provider, providerUserID string) (*model.Identity, error)

	// ListByUserID はユーザーに紐付く全identityを作成日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
