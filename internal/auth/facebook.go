package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
)

const facebookUserinfoURL = "https://graph.facebook.com/me?fields=id,name,email"

// facebookProvider はFacebook Graph APIのアダプター。
// Facebookが返すメールアドレスは確認済みのもののみのため、検証フラグは持たない。
type facebookProvider struct {
	baseProvider
	userinfoURL string
}

// NewFacebookProvider はFacebookのプロバイダーアダプターを生成する。
func NewFacebookProvider(cfg ProviderConfig) Provider {
	return &facebookProvider{
		baseProvider: newBaseProvider(model.ProviderFacebook, cfg, facebook.Endpoint,
			[]string{"email", "public_profile"}),
		userinfoURL: facebookUserinfoURL,
	}
}

func (p *facebookProvider) FetchIdentity(ctx context.Context, token *oauth2.Token, _ Transaction) (*OAuthIdentity, error) {
	var info struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, p.client(ctx, token), p.userinfoURL, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("facebook userinfo missing id")
	}

	return &OAuthIdentity{
		Provider: model.ProviderFacebook,
		Subject:  info.ID,
		Email:    info.Email,
		Name:     info.Name,
	}, nil
}
