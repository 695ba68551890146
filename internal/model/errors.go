// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメインエラー。サービス層で返し、ハンドラー層でHTTPレスポンスへ変換する。
var (
	ErrUserExists          = errors.New("user already exists")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidState        = errors.New("invalid oauth state")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrUserinfoFailed      = errors.New("userinfo request failed")
	ErrNotConfigured       = errors.New("provider not configured")
	ErrUserNotFound        = errors.New("user not found")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, oauth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeUserExists          = "USER_EXISTS"
	ErrCodeGeneric             = "GENERIC"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeTokenExchangeFailed = "TOKEN_EXCHANGE_FAILED"
	ErrCodeUserinfoFailed      = "USERINFO_FAILED"
	ErrCodeNotConfigured       = "NOT_CONFIGURED"
	ErrCodeUnknownProvider     = "UNKNOWN_PROVIDER"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeCSRFInvalid         = "CSRF_INVALID"
)

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// メールアドレスの存在有無に関わらず同じ内容を返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewUserExistsError は登録済みメールアドレスのエラーを生成する。
func NewUserExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeUserExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewGenericError は入力不備などの汎用エラーを生成する。
func NewGenericError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeGeneric,
		Message:  fmt.Sprintf("リクエストを処理できませんでした: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewOAuthError はOAuthフローの失敗を表すエラーを生成する。
// codeにはErrCodeInvalidState等のOAuth系コードを指定する。
func NewOAuthError(code string, provider Provider) *APIError {
	var msg string
	switch code {
	case ErrCodeInvalidState:
		msg = "認証リクエストの検証に失敗しました。"
	case ErrCodeTokenExchangeFailed:
		msg = fmt.Sprintf("%s のトークン取得に失敗しました。", provider)
	case ErrCodeUserinfoFailed:
		msg = fmt.Sprintf("%s からユーザー情報を取得できませんでした。", provider)
	case ErrCodeNotConfigured:
		msg = fmt.Sprintf("%s ログインは設定されていません。", provider)
	case ErrCodeUnknownProvider:
		msg = "未対応の認証プロバイダーです。"
	default:
		msg = "ログインに失敗しました。"
	}
	return &APIError{
		Code:     code,
		Message:  msg,
		Category: "oauth",
		Action:   "もう一度ログインをお試しください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
