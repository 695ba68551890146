package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

// githubProvider はGitHub OAuth Appのアダプター。
// プロフィールのメールは非公開の場合があるため、/user/emails から主要かつ確認済みのアドレスを選ぶ。
type githubProvider struct {
	baseProvider
	userURL   string
	emailsURL string
}

// NewGitHubProvider はGitHubのプロバイダーアダプターを生成する。
func NewGitHubProvider(cfg ProviderConfig) Provider {
	return &githubProvider{
		baseProvider: newBaseProvider(model.ProviderGitHub, cfg, github.Endpoint,
			[]string{"read:user", "user:email"}),
		userURL:   githubUserURL,
		emailsURL: githubEmailsURL,
	}
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *githubProvider) FetchIdentity(ctx context.Context, token *oauth2.Token, _ Transaction) (*OAuthIdentity, error) {
	client := p.client(ctx, token)

	var user struct {
		ID    json.Number `json:"id"`
		Login string      `json:"login"`
		Name  string      `json:"name"`
	}
	if err := getJSON(ctx, client, p.userURL, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("github user missing id")
	}

	var emails []githubEmail
	if err := getJSON(ctx, client, p.emailsURL, &emails); err != nil {
		if !isStatusError(err) {
			return nil, err
		}
		// メール一覧はスコープ不足で取得できない場合がある。noreplyアドレスで継続する
		slog.Warn("github email lookup failed",
			slog.String("provider", string(model.ProviderGitHub)),
			slog.String("error", err.Error()),
		)
	}

	email := primaryVerifiedEmail(emails)
	if email == "" && user.Login != "" {
		email = user.Login + "@users.noreply.github.com"
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return &OAuthIdentity{
		Provider: model.ProviderGitHub,
		Subject:  user.ID.String(),
		Email:    email,
		Name:     name,
	}, nil
}

// primaryVerifiedEmail は主要かつ確認済みのメールアドレスを返す。該当がなければ空文字。
func primaryVerifiedEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}
