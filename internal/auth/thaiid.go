package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hitoshi/portfolio/internal/model"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/oauth2"
)

// ThaiIDの既定スコープ。
const defaultThaiIDScope = "openid pid name"

// qrCodeSize はThaiIDの認可URLを埋め込むQRコード画像の一辺のピクセル数。
const qrCodeSize = 256

// ThaiIDConfig はThaiID（汎用OIDC）アダプターの設定。
// エンドポイントは環境ごとに異なるため、すべて設定値から受け取る。
type ThaiIDConfig struct {
	ProviderConfig
	AuthURL     string
	TokenURL    string
	UserinfoURL string
	// Issuer と JWKSURL が両方設定されている場合のみIDトークンを検証する。
	Issuer  string
	JWKSURL string
}

// idTokenVerifier はIDトークンの署名・発行者・audienceを検証する。
type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// thaiIDProvider はThaiIDのアダプター。PKCEとnonceを使う。
type thaiIDProvider struct {
	baseProvider
	userinfoURL string
	verifier    idTokenVerifier
}

// NewThaiIDProvider はThaiIDのプロバイダーアダプターを生成する。
// clientは公開鍵セットの取得に使う。
func NewThaiIDProvider(ctx context.Context, cfg ThaiIDConfig, client *http.Client) Provider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = strings.Fields(defaultThaiIDScope)
	}
	p := &thaiIDProvider{
		baseProvider: newBaseProvider(model.ProviderThaiID, cfg.ProviderConfig, oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		}, nil),
		userinfoURL: cfg.UserinfoURL,
	}
	p.pkce = true
	p.nonce = true

	if cfg.Issuer != "" && cfg.JWKSURL != "" {
		if client != nil {
			ctx = oidc.ClientContext(ctx, client)
		}
		keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		p.verifier = oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{ClientID: cfg.ClientID})
	}
	return p
}

type thaiIDUserinfo struct {
	Sub           string   `json:"sub"`
	PID           string   `json:"pid"`
	Name          string   `json:"name"`
	NameEn        string   `json:"name_en"`
	GivenName     string   `json:"given_name"`
	FamilyName    string   `json:"family_name"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
}

func (p *thaiIDProvider) FetchIdentity(ctx context.Context, token *oauth2.Token, tx Transaction) (*OAuthIdentity, error) {
	var subject string
	if p.verifier != nil {
		idToken, err := p.verifyIDToken(ctx, token, tx.Nonce)
		if err != nil {
			return nil, err
		}
		subject = idToken.Subject
	}

	identity := &OAuthIdentity{Provider: model.ProviderThaiID, Subject: subject}
	if p.userinfoURL != "" {
		var info thaiIDUserinfo
		if err := getJSON(ctx, p.client(ctx, token), p.userinfoURL, &info); err != nil {
			return nil, err
		}

		infoSubject := info.Sub
		if infoSubject == "" {
			infoSubject = info.PID
		}
		if subject != "" && infoSubject != "" && infoSubject != subject {
			return nil, errors.New("thaiid userinfo subject does not match id token")
		}
		if identity.Subject == "" {
			identity.Subject = infoSubject
		}

		identity.Email = info.Email
		identity.EmailVerified = info.EmailVerified.ptr()
		identity.Name = info.Name
		if identity.Name == "" {
			identity.Name = joinName(info.GivenName, info.FamilyName)
		}
		if identity.Name == "" {
			identity.Name = info.NameEn
		}
	}

	if identity.Subject == "" {
		return nil, errors.New("thaiid response missing subject")
	}
	return identity, nil
}

// verifyIDToken はトークンレスポンスのid_tokenを検証し、nonceがstart時の値と一致することを確認する。
func (p *thaiIDProvider) verifyIDToken(ctx context.Context, token *oauth2.Token, nonce string) (*oidc.IDToken, error) {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return nil, errors.New("thaiid token response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, errors.New("id token nonce mismatch")
	}
	return idToken, nil
}

// qrDataURL は内容をPNGのQRコードに変換し、data URIとして返す。
func qrDataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("failed to generate qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
