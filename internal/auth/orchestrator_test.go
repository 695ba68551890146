package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/portfolio/internal/model"
	"golang.org/x/oauth2"
)

// --- モック定義 ---

type mockIssuer struct {
	upsertFn        func(ctx context.Context, id OAuthIdentity) (*model.User, error)
	createSessionFn func(ctx context.Context, userID string) (*model.Session, error)
}

func (m *mockIssuer) UpsertOAuthUser(ctx context.Context, id OAuthIdentity) (*model.User, error) {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, id)
	}
	return &model.User{ID: "user-" + id.Subject, Email: id.Email, Name: id.Name}, nil
}

func (m *mockIssuer) CreateSession(ctx context.Context, userID string) (*model.Session, error) {
	if m.createSessionFn != nil {
		return m.createSessionFn(ctx, userID)
	}
	return &model.Session{ID: "session-for-" + userID, UserID: userID}, nil
}

var _ IdentityIssuer = (*mockIssuer)(nil)

// fakeIdP はトークンエンドポイントとuserinfoエンドポイントを持つIdP。
type fakeIdP struct {
	server      *httptest.Server
	tokenCalls  atomic.Int32
	lastForm    url.Values
	tokenStatus int
	tokenDelay  func(call int32, r *http.Request) bool // trueを返すとリクエストのキャンセルまで応答しない
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{tokenStatus: http.StatusOK}
	// 保留中のハンドラーはserver.Closeより前に解放する
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		call := idp.tokenCalls.Add(1)
		if idp.tokenDelay != nil && idp.tokenDelay(call, r) {
			// ボディを読み切らないとクライアントの切断が検知されない
			_, _ = io.Copy(io.Discard, r.Body)
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		idp.lastForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(idp.tokenStatus)
		if idp.tokenStatus != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":            "g-subject",
			"email":          "user@example.com",
			"email_verified": true,
			"name":           "Google User",
		})
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	t.Cleanup(func() { close(release) })
	return idp
}

// googleAgainst はエンドポイントをfakeIdPに向けたGoogleアダプターを返す。
func googleAgainst(idp *fakeIdP) Provider {
	p := NewGoogleProvider(testProviderConfig("google")).(*googleProvider)
	p.config.Endpoint.AuthURL = idp.server.URL + "/authorize"
	p.config.Endpoint.TokenURL = idp.server.URL + "/token"
	p.userinfoURL = idp.server.URL + "/userinfo"
	return p
}

// flakyTransport は最初のfailures回の通信を接続エラーにする。
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	base     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.base.RoundTrip(r)
}

func newTestOrchestrator(issuer IdentityIssuer, client *http.Client, providers ...Provider) *Orchestrator {
	o := NewOrchestrator(issuer, client, nil, OrchestratorConfig{
		HTTPTimeout: 2 * time.Second,
		RetryDelay:  time.Millisecond,
	}, providers...)
	o.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return o
}

// --- Start ---

func TestStart_ConfiguredGoogle_StoresPKCETransaction(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil, NewGoogleProvider(testProviderConfig("google")))

	result, err := o.Start(context.Background(), model.ProviderGoogle, "/admin")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Demo {
		t.Error("configured provider should not use demo flow")
	}
	if result.Transaction.State == "" || result.Transaction.Verifier == "" {
		t.Fatalf("transaction = %+v, want state and verifier", result.Transaction)
	}
	if result.Transaction.Redirect != "/admin" {
		t.Errorf("redirect = %q, want /admin", result.Transaction.Redirect)
	}
	if result.QRURL != "" {
		t.Error("google should not return a QR URL")
	}

	u, err := url.Parse(result.AuthorizationURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q, want accounts.google.com", u.Host)
	}
	q := u.Query()
	if q.Get("state") != result.Transaction.State {
		t.Errorf("state = %q, want %q", q.Get("state"), result.Transaction.State)
	}
	if q.Get("code_challenge") != oauth2.S256ChallengeFromVerifier(result.Transaction.Verifier) {
		t.Error("code_challenge does not match verifier")
	}
}

func TestStart_GeneratesFreshState(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil, NewFacebookProvider(testProviderConfig("facebook")))

	first, err := o.Start(context.Background(), model.ProviderFacebook, "/")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second, err := o.Start(context.Background(), model.ProviderFacebook, "/")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if first.Transaction.State == second.Transaction.State {
		t.Error("expected distinct states")
	}
	if first.Transaction.Verifier != "" {
		t.Error("facebook should not use PKCE")
	}
}

func TestStart_UnconfiguredProvider_ReturnsDemoURL(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil, NewGitHubProvider(ProviderConfig{
		RedirectURL: "http://localhost:8080/api/auth/github/callback",
	}))

	result, err := o.Start(context.Background(), model.ProviderGitHub, "/products")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !result.Demo {
		t.Error("expected demo flow")
	}

	u, err := url.Parse(result.AuthorizationURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Host != "localhost:8080" || u.Path != "/api/auth/github/callback" {
		t.Errorf("demo URL = %q, want own callback", result.AuthorizationURL)
	}
	if u.Query().Get("code") != "demo" {
		t.Errorf("code = %q, want demo", u.Query().Get("code"))
	}
	if u.Query().Get("state") != result.Transaction.State {
		t.Error("demo URL state does not match transaction")
	}
}

func TestStart_LinkedInUnconfigured_ReturnsNotConfigured(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil, NewLinkedInProvider(ProviderConfig{}))

	_, err := o.Start(context.Background(), model.ProviderLinkedIn, "/")
	if !errors.Is(err, model.ErrNotConfigured) {
		t.Errorf("Start() error = %v, want ErrNotConfigured", err)
	}
}

func TestStart_UnknownProvider(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil)

	_, err := o.Start(context.Background(), model.ProviderGoogle, "/")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Start() error = %v, want ErrUnknownProvider", err)
	}
}

func TestStart_UnsafeRedirect_ReplacedWithDefault(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil, NewFacebookProvider(testProviderConfig("facebook")))

	for _, redirect := range []string{"https://evil.example.com", "//evil.example.com", ""} {
		result, err := o.Start(context.Background(), model.ProviderFacebook, redirect)
		if err != nil {
			t.Fatalf("Start(%q) error = %v", redirect, err)
		}
		if result.Transaction.Redirect != "/" {
			t.Errorf("Start(%q) redirect = %q, want /", redirect, result.Transaction.Redirect)
		}
	}
}

func TestStart_ThaiID_ReturnsNonceAndQRCode(t *testing.T) {
	p := NewThaiIDProvider(context.Background(), ThaiIDConfig{
		ProviderConfig: testProviderConfig("thaiid"),
		AuthURL:        "https://imauth.example.go.th/authorize",
		TokenURL:       "https://imauth.example.go.th/token",
	}, nil)
	o := newTestOrchestrator(&mockIssuer{}, nil, p)

	result, err := o.Start(context.Background(), model.ProviderThaiID, "/")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Transaction.Nonce == "" || result.Transaction.Verifier == "" {
		t.Errorf("transaction = %+v, want nonce and verifier", result.Transaction)
	}
	if !strings.Contains(result.AuthorizationURL, "nonce="+result.Transaction.Nonce) {
		t.Error("authorization URL should carry the nonce")
	}

	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(result.QRURL, prefix) {
		t.Fatalf("QRURL = %.40q..., want PNG data URI", result.QRURL)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(result.QRURL, prefix))
	if err != nil {
		t.Fatalf("decode QR: %v", err)
	}
	if !strings.HasPrefix(string(png), "\x89PNG") {
		t.Error("QR payload is not a PNG image")
	}
}

// --- Complete ---

func TestComplete_Google_ExchangesWithVerifierAndCreatesSession(t *testing.T) {
	idp := newFakeIdP(t)
	var upserted OAuthIdentity
	issuer := &mockIssuer{
		upsertFn: func(_ context.Context, id OAuthIdentity) (*model.User, error) {
			upserted = id
			return &model.User{ID: "u-1", Email: id.Email}, nil
		},
	}
	o := newTestOrchestrator(issuer, idp.server.Client(), googleAgainst(idp))

	start, err := o.Start(context.Background(), model.ProviderGoogle, "/admin")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	result, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "auth-code", State: start.Transaction.State}, start.Transaction)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if got := idp.lastForm.Get("code_verifier"); got != start.Transaction.Verifier {
		t.Errorf("code_verifier = %q, want %q", got, start.Transaction.Verifier)
	}
	if idp.lastForm.Get("code") != "auth-code" || idp.lastForm.Get("client_id") != "google-client" {
		t.Errorf("token form = %v", idp.lastForm)
	}
	if upserted.Subject != "g-subject" || upserted.Provider != model.ProviderGoogle {
		t.Errorf("upserted identity = %+v", upserted)
	}
	if result.Session.UserID != "u-1" {
		t.Errorf("session user = %q, want u-1", result.Session.UserID)
	}
	if result.Redirect != "/admin" {
		t.Errorf("redirect = %q, want /admin", result.Redirect)
	}
}

func TestComplete_StateMismatch_NoSession(t *testing.T) {
	tests := []struct {
		name    string
		txState string
		param   string
	}{
		{"different", "expected-state", "attacker-state"},
		{"missing cookie", "", "attacker-state"},
		{"missing param", "expected-state", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &mockIssuer{
				createSessionFn: func(_ context.Context, _ string) (*model.Session, error) {
					t.Fatal("CreateSession should not be called")
					return nil, nil
				},
			}
			o := newTestOrchestrator(issuer, nil, NewFacebookProvider(ProviderConfig{}))

			_, err := o.Complete(context.Background(), model.ProviderFacebook,
				CallbackParams{Code: "demo", State: tt.param}, Transaction{State: tt.txState})
			if !errors.Is(err, model.ErrInvalidState) {
				t.Errorf("Complete() error = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestComplete_UnconfiguredProvider_UsesDemoIdentity(t *testing.T) {
	var upserted OAuthIdentity
	issuer := &mockIssuer{
		upsertFn: func(_ context.Context, id OAuthIdentity) (*model.User, error) {
			upserted = id
			return &model.User{ID: "demo-user"}, nil
		},
	}
	// 外部通信が発生した場合はテストを失敗させる
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Errorf("unexpected outbound request to %s", r.URL)
		return nil, errors.New("network disabled")
	})}
	o := newTestOrchestrator(issuer, client, NewGitHubProvider(ProviderConfig{RedirectURL: "http://localhost/cb"}))

	start, err := o.Start(context.Background(), model.ProviderGitHub, "/")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result, err := o.Complete(context.Background(), model.ProviderGitHub,
		CallbackParams{Code: "demo", State: start.Transaction.State}, start.Transaction)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if upserted.Subject != "demo-github" {
		t.Errorf("subject = %q, want demo-github", upserted.Subject)
	}
	if result.Session == nil {
		t.Fatal("expected session")
	}
}

func TestComplete_DemoCodeWithConfiguredProvider_DoesRealExchange(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenStatus = http.StatusBadRequest
	o := newTestOrchestrator(&mockIssuer{}, idp.server.Client(), googleAgainst(idp))

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "demo", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if !errors.Is(err, model.ErrTokenExchangeFailed) {
		t.Errorf("Complete() error = %v, want ErrTokenExchangeFailed", err)
	}
	if idp.tokenCalls.Load() != 1 {
		t.Errorf("token calls = %d, want 1", idp.tokenCalls.Load())
	}
}

func TestComplete_LinkedInUnconfigured_ReturnsNotConfigured(t *testing.T) {
	o := newTestOrchestrator(&mockIssuer{}, nil, NewLinkedInProvider(ProviderConfig{}))

	_, err := o.Complete(context.Background(), model.ProviderLinkedIn,
		CallbackParams{Code: "demo", State: "s"}, Transaction{State: "s"})
	if !errors.Is(err, model.ErrNotConfigured) {
		t.Errorf("Complete() error = %v, want ErrNotConfigured", err)
	}
}

func TestComplete_ProviderErrorParam_Fails(t *testing.T) {
	idp := newFakeIdP(t)
	o := newTestOrchestrator(&mockIssuer{}, idp.server.Client(), googleAgainst(idp))

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Error: "access_denied", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if !errors.Is(err, model.ErrTokenExchangeFailed) {
		t.Errorf("Complete() error = %v, want ErrTokenExchangeFailed", err)
	}
	if idp.tokenCalls.Load() != 0 {
		t.Errorf("token calls = %d, want 0", idp.tokenCalls.Load())
	}
}

func TestComplete_MissingVerifier_FailsClosed(t *testing.T) {
	idp := newFakeIdP(t)
	o := newTestOrchestrator(&mockIssuer{}, idp.server.Client(), googleAgainst(idp))

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s"})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("Complete() error = %v, want ErrInvalidState", err)
	}
}

func TestComplete_RetriesOnceOnTransportError(t *testing.T) {
	idp := newFakeIdP(t)
	transport := &flakyTransport{failures: 1, base: idp.server.Client().Transport}
	o := newTestOrchestrator(&mockIssuer{}, &http.Client{Transport: transport}, googleAgainst(idp))

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if idp.tokenCalls.Load() != 1 {
		t.Errorf("token calls reaching IdP = %d, want 1", idp.tokenCalls.Load())
	}
	// 失敗1回 + トークン交換 + userinfo
	if transport.calls.Load() != 3 {
		t.Errorf("transport calls = %d, want 3", transport.calls.Load())
	}
}

func TestComplete_GivesUpAfterSecondTransportError(t *testing.T) {
	idp := newFakeIdP(t)
	transport := &flakyTransport{failures: 5, base: idp.server.Client().Transport}
	o := newTestOrchestrator(&mockIssuer{}, &http.Client{Transport: transport}, googleAgainst(idp))

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if !errors.Is(err, model.ErrTokenExchangeFailed) {
		t.Errorf("Complete() error = %v, want ErrTokenExchangeFailed", err)
	}
	if transport.calls.Load() != 2 {
		t.Errorf("transport calls = %d, want 2", transport.calls.Load())
	}
}

func TestComplete_RetriesAfterAttemptTimeout(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenDelay = func(call int32, _ *http.Request) bool { return call == 1 }
	o := newTestOrchestrator(&mockIssuer{}, idp.server.Client(), googleAgainst(idp))
	o.config.HTTPTimeout = 100 * time.Millisecond

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if idp.tokenCalls.Load() != 2 {
		t.Errorf("token calls = %d, want 2", idp.tokenCalls.Load())
	}
}

// TestComplete_GitHubEmailLookupRetried はメール一覧の通信エラーが再試行され、
// noreplyアドレスではなく確認済みアドレスで照合されることを検証する。
func TestComplete_GitHubEmailLookupRetried(t *testing.T) {
	api := newFakeAPI(t)
	api.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
		})
	})
	api.handleJSON("/user", http.StatusOK, map[string]any{"id": 4242, "login": "octo"})
	api.handleJSON("/user/emails", http.StatusOK, []map[string]any{
		{"email": "octo@example.com", "primary": true, "verified": true},
	})

	p := NewGitHubProvider(testProviderConfig("github")).(*githubProvider)
	p.config.Endpoint.TokenURL = api.url("/token")
	p.userURL = api.url("/user")
	p.emailsURL = api.url("/user/emails")

	transport := &pathFailTransport{path: "/user/emails", base: api.server.Client().Transport}
	var upserted OAuthIdentity
	issuer := &mockIssuer{upsertFn: func(ctx context.Context, id OAuthIdentity) (*model.User, error) {
		upserted = id
		return &model.User{ID: "user-octo", Email: id.Email}, nil
	}}
	o := newTestOrchestrator(issuer, &http.Client{Transport: transport}, p)

	_, err := o.Complete(context.Background(), model.ProviderGitHub,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !transport.failed.Load() {
		t.Fatal("emails request was never failed")
	}
	if upserted.Email != "octo@example.com" {
		t.Errorf("upserted email = %q, want octo@example.com", upserted.Email)
	}
}

func TestComplete_HTTPErrorIsNotRetried(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenStatus = http.StatusInternalServerError
	o := newTestOrchestrator(&mockIssuer{}, idp.server.Client(), googleAgainst(idp))

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if !errors.Is(err, model.ErrTokenExchangeFailed) {
		t.Errorf("Complete() error = %v, want ErrTokenExchangeFailed", err)
	}
	if idp.tokenCalls.Load() != 1 {
		t.Errorf("token calls = %d, want 1", idp.tokenCalls.Load())
	}
}

func TestComplete_UserinfoFailure(t *testing.T) {
	idp := newFakeIdP(t)
	p := googleAgainst(idp).(*googleProvider)
	p.userinfoURL = idp.server.URL + "/missing"
	o := newTestOrchestrator(&mockIssuer{}, idp.server.Client(), p)

	_, err := o.Complete(context.Background(), model.ProviderGoogle,
		CallbackParams{Code: "c", State: "s"}, Transaction{State: "s", Verifier: "v"})
	if !errors.Is(err, model.ErrUserinfoFailed) {
		t.Errorf("Complete() error = %v, want ErrUserinfoFailed", err)
	}
}

func TestComplete_SameSubjectDifferentEmail_SameUser(t *testing.T) {
	// subjectで既存ユーザーを解決するIssuer
	bySubject := map[string]*model.User{}
	issuer := &mockIssuer{
		upsertFn: func(_ context.Context, id OAuthIdentity) (*model.User, error) {
			key := string(id.Provider) + ":" + id.Subject
			if u, ok := bySubject[key]; ok {
				return u, nil
			}
			u := &model.User{ID: "user-" + id.Subject, Email: id.Email}
			bySubject[key] = u
			return u, nil
		},
	}
	o := newTestOrchestrator(issuer, nil, NewFacebookProvider(ProviderConfig{RedirectURL: "http://localhost/cb"}))

	var ids []string
	for i := 0; i < 2; i++ {
		result, err := o.Complete(context.Background(), model.ProviderFacebook,
			CallbackParams{Code: "demo", State: "s"}, Transaction{State: "s"})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		ids = append(ids, result.User.ID)
	}
	if ids[0] != ids[1] {
		t.Errorf("user IDs = %v, want identical", ids)
	}
}

func TestComplete_IssuerError_Propagates(t *testing.T) {
	issuer := &mockIssuer{
		upsertFn: func(_ context.Context, _ OAuthIdentity) (*model.User, error) {
			return nil, errors.New("db error")
		},
	}
	o := newTestOrchestrator(issuer, nil, NewFacebookProvider(ProviderConfig{}))

	_, err := o.Complete(context.Background(), model.ProviderFacebook,
		CallbackParams{Code: "demo", State: "s"}, Transaction{State: "s"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsUserFacingError(err) {
		t.Errorf("IsUserFacingError(%v) = true, want false", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
