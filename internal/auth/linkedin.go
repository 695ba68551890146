package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/linkedin"
)

const (
	linkedinUserinfoURL = "https://api.linkedin.com/v2/userinfo"
	linkedinProfileURL  = "https://api.linkedin.com/v2/me"
	linkedinEmailURL    = "https://api.linkedin.com/v2/emailAddress?q=members&projection=(elements*(handle~))"
)

// linkedinProvider はLinkedInのアダプター。
// OIDCのuserinfoを優先し、失敗した場合は旧プロフィールAPIとメールAPIを個別に呼ぶ。
// デモ用の疑似ログインは提供しない。
type linkedinProvider struct {
	baseProvider
	userinfoURL string
	profileURL  string
	emailURL    string
}

// NewLinkedInProvider はLinkedInのプロバイダーアダプターを生成する。
func NewLinkedInProvider(cfg ProviderConfig) Provider {
	p := &linkedinProvider{
		baseProvider: newBaseProvider(model.ProviderLinkedIn, cfg, linkedin.Endpoint,
			[]string{"openid", "profile", "email"}),
		userinfoURL: linkedinUserinfoURL,
		profileURL:  linkedinProfileURL,
		emailURL:    linkedinEmailURL,
	}
	p.demo = false
	return p
}

func (p *linkedinProvider) FetchIdentity(ctx context.Context, token *oauth2.Token, _ Transaction) (*OAuthIdentity, error) {
	client := p.client(ctx, token)

	var info struct {
		Sub           string   `json:"sub"`
		Name          string   `json:"name"`
		GivenName     string   `json:"given_name"`
		FamilyName    string   `json:"family_name"`
		Email         string   `json:"email"`
		EmailVerified flexBool `json:"email_verified"`
	}
	err := getJSON(ctx, client, p.userinfoURL, &info)
	if err == nil && info.Sub != "" {
		name := info.Name
		if name == "" {
			name = joinName(info.GivenName, info.FamilyName)
		}
		return &OAuthIdentity{
			Provider:      model.ProviderLinkedIn,
			Subject:       info.Sub,
			Email:         info.Email,
			Name:          name,
			EmailVerified: info.EmailVerified.ptr(),
		}, nil
	}
	if err != nil && !isStatusError(err) {
		return nil, err
	}

	slog.Info("linkedin userinfo unavailable, falling back to profile api",
		slog.String("provider", string(model.ProviderLinkedIn)),
	)
	return p.fetchLegacyIdentity(ctx, client)
}

// fetchLegacyIdentity は /v2/me と /v2/emailAddress からユーザー情報を組み立てる。
// メールアドレスAPIが非2xxを返した場合はメールなしで継続する。
func (p *linkedinProvider) fetchLegacyIdentity(ctx context.Context, client *http.Client) (*OAuthIdentity, error) {
	var profile struct {
		ID                 string `json:"id"`
		LocalizedFirstName string `json:"localizedFirstName"`
		LocalizedLastName  string `json:"localizedLastName"`
	}
	if err := getJSON(ctx, client, p.profileURL, &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("linkedin profile missing id")
	}

	var emailResp struct {
		Elements []struct {
			Handle struct {
				EmailAddress string `json:"emailAddress"`
			} `json:"handle~"`
		} `json:"elements"`
	}
	var email string
	if err := getJSON(ctx, client, p.emailURL, &emailResp); err != nil {
		if !isStatusError(err) {
			return nil, err
		}
		slog.Warn("linkedin email lookup failed",
			slog.String("provider", string(model.ProviderLinkedIn)),
			slog.String("error", err.Error()),
		)
	} else if len(emailResp.Elements) > 0 {
		email = emailResp.Elements[0].Handle.EmailAddress
	}

	return &OAuthIdentity{
		Provider: model.ProviderLinkedIn,
		Subject:  profile.ID,
		Email:    email,
		Name:     joinName(profile.LocalizedFirstName, profile.LocalizedLastName),
	}, nil
}
