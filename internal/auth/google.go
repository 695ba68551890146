package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// googleProvider はGoogleのOIDCアダプター。PKCEを使う。
type googleProvider struct {
	baseProvider
	userinfoURL string
}

// NewGoogleProvider はGoogleのプロバイダーアダプターを生成する。
func NewGoogleProvider(cfg ProviderConfig) Provider {
	p := &googleProvider{
		baseProvider: newBaseProvider(model.ProviderGoogle, cfg, google.Endpoint,
			[]string{"openid", "email", "profile"}),
		userinfoURL: googleUserinfoURL,
	}
	p.pkce = true
	return p
}

type googleUserinfo struct {
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
	GivenName     string   `json:"given_name"`
	FamilyName    string   `json:"family_name"`
}

func (p *googleProvider) FetchIdentity(ctx context.Context, token *oauth2.Token, _ Transaction) (*OAuthIdentity, error) {
	var info googleUserinfo
	if err := getJSON(ctx, p.client(ctx, token), p.userinfoURL, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("google userinfo missing sub")
	}

	name := info.Name
	if name == "" {
		name = joinName(info.GivenName, info.FamilyName)
	}
	return &OAuthIdentity{
		Provider:      model.ProviderGoogle,
		Subject:       info.Sub,
		Email:         info.Email,
		Name:          name,
		EmailVerified: info.EmailVerified.ptr(),
	}, nil
}
