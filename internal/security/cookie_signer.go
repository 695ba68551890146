package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// MinSecretLength はCookie署名鍵の最小長（バイト）。
const MinSecretLength = 32

var (
	// ErrInvalidCookieFormat は署名付きCookieの形式が不正な場合のエラー。
	ErrInvalidCookieFormat = errors.New("invalid signed cookie format")
	// ErrInvalidCookieSignature は署名が一致しない場合のエラー。
	ErrInvalidCookieSignature = errors.New("invalid cookie signature")
	// ErrWeakSecret は署名鍵が短すぎる場合のエラー。
	ErrWeakSecret = errors.New("cookie secret must be at least 32 bytes")
)

// CookieSigner はHMAC-SHA256でCookie値に署名・検証する。
// 署名対象にはCookie名を含めるため、別名のCookieへ値を付け替えても検証に失敗する。
type CookieSigner struct {
	secret []byte
}

// NewCookieSigner はCookieSignerを生成する。
func NewCookieSigner(secret string) (*CookieSigner, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &CookieSigner{secret: []byte(secret)}, nil
}

// Sign は "base64(value).base64(mac)" 形式の署名付き値を返す。
func (s *CookieSigner) Sign(name, value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value)) + "." + s.mac(name, value)
}

// Verify は署名付き値を検証し、元の値を返す。
func (s *CookieSigner) Verify(name, signed string) (string, error) {
	encoded, signature, ok := strings.Cut(signed, ".")
	if !ok || encoded == "" || signature == "" {
		return "", ErrInvalidCookieFormat
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCookieFormat
	}
	value := string(raw)

	expected := s.mac(name, value)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return "", ErrInvalidCookieSignature
	}

	return value, nil
}

func (s *CookieSigner) mac(name, value string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(name))
	m.Write([]byte{0})
	m.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
