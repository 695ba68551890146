package security

import (
	"errors"
	"strings"
	"testing"
)

const testSecret = "test-session-secret-32bytes-long!"

func newTestSigner(t *testing.T) *CookieSigner {
	t.Helper()
	s, err := NewCookieSigner(testSecret)
	if err != nil {
		t.Fatalf("NewCookieSigner returned error: %v", err)
	}
	return s
}

func TestNewCookieSigner_RejectsShortSecret(t *testing.T) {
	_, err := NewCookieSigner("short")
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("err = %v, want ErrWeakSecret", err)
	}
}

func TestCookieSigner_SignVerify(t *testing.T) {
	s := newTestSigner(t)

	signed := s.Sign("oauth_google_state", "abc123")
	got, err := s.Verify("oauth_google_state", signed)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if got != "abc123" {
		t.Errorf("Verify = %q, want %q", got, "abc123")
	}
}

// 他のCookie名に付け替えた値は検証に失敗すること
func TestCookieSigner_NameBound(t *testing.T) {
	s := newTestSigner(t)

	signed := s.Sign("oauth_google_redirect", "/admin")
	if _, err := s.Verify("oauth_google_state", signed); !errors.Is(err, ErrInvalidCookieSignature) {
		t.Errorf("err = %v, want ErrInvalidCookieSignature", err)
	}
}

func TestCookieSigner_Tampered(t *testing.T) {
	s := newTestSigner(t)
	signed := s.Sign("oauth_github_state", "original")

	_, sig, _ := strings.Cut(signed, ".")
	forged := "Zm9yZ2Vk." + sig // "forged"

	if _, err := s.Verify("oauth_github_state", forged); !errors.Is(err, ErrInvalidCookieSignature) {
		t.Errorf("err = %v, want ErrInvalidCookieSignature", err)
	}
}

func TestCookieSigner_OtherSecret(t *testing.T) {
	a := newTestSigner(t)
	b, err := NewCookieSigner("another-secret-that-is-32-bytes-long")
	if err != nil {
		t.Fatalf("NewCookieSigner returned error: %v", err)
	}

	if _, err := b.Verify("n", a.Sign("n", "v")); !errors.Is(err, ErrInvalidCookieSignature) {
		t.Errorf("err = %v, want ErrInvalidCookieSignature", err)
	}
}

func TestCookieSigner_InvalidFormat(t *testing.T) {
	s := newTestSigner(t)

	for _, v := range []string{"", "nodot", ".sig", "value.", "!!!.sig"} {
		if _, err := s.Verify("n", v); !errors.Is(err, ErrInvalidCookieFormat) {
			t.Errorf("Verify(%q) err = %v, want ErrInvalidCookieFormat", v, err)
		}
	}
}
