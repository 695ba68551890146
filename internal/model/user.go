// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Provider はユーザーの認証手段を表す。
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderGitHub   Provider = "github"
	ProviderLinkedIn Provider = "linkedin"
	ProviderThaiID   Provider = "thaiid"
)

// OAuthProviders はOAuth連携に対応するプロバイダーの一覧。
var OAuthProviders = []Provider{
	ProviderGoogle,
	ProviderFacebook,
	ProviderGitHub,
	ProviderLinkedIn,
	ProviderThaiID,
}

// ParseProvider は文字列をOAuthプロバイダーに変換する。
// localや未知の値の場合はfalseを返す。
func ParseProvider(s string) (Provider, bool) {
	for _, p := range OAuthProviders {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// PasswordCredential はローカルログイン用のパスワード派生鍵を表す。
type PasswordCredential struct {
	Salt       []byte
	Iterations int
	Hash       []byte
	Digest     string // "sha256" 等
}

// User はサイトのユーザーを表す。
// Passwordはローカル登録したユーザーのみ保持する。
// Provider/ProviderSubjectIDはアカウント作成時の認証手段を表す。
type User struct {
	ID                string
	Email             string
	Name              string
	Password          *PasswordCredential
	Provider          Provider
	ProviderSubjectID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPassword はローカルパスワードが設定済みかどうかを返す。
func (u *User) HasPassword() bool {
	return u.Password != nil
}

// Identity は外部IdPとの紐付け情報を表す。
// (Provider, ProviderUserID) の組はユニーク。
type Identity struct {
	ID             string
	UserID         string
	Provider       Provider
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// IDはCookieに格納される不透明なトークン。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ValidAt は指定時刻においてセッションが有効かどうかを返す。
func (s *Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// NormalizeEmail はメールアドレスを前後空白除去・小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
