// Package auth はローカル認証・OAuth認証フロー・セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hitoshi/portfolio/internal/model"
	"github.com/hitoshi/portfolio/internal/repository"
	"github.com/hitoshi/portfolio/internal/security"
)

// DefaultSessionMaxAge はセッションの既定の有効期間（7日）。
const DefaultSessionMaxAge = 7 * 24 * 60 * 60

// sessionTokenBytes はセッショントークンの乱数バイト数。
const sessionTokenBytes = 32

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge      int // セッション有効期間（秒）
	PasswordIterations int
}

// RegisterInput はローカル登録の入力。
type RegisterInput struct {
	Name     string `validate:"max=255"`
	Email    string `validate:"required,email,max=320"`
	Password string `validate:"required,min=6,max=1024"`
}

// OAuthIdentity はIdPから取得し正規化したユーザー情報。
type OAuthIdentity struct {
	Provider model.Provider
	Subject  string
	Email    string
	Name     string
	// EmailVerified はIdPが検証状態を返した場合のみ非nil。
	EmailVerified *bool
}

// Service は資格情報ストアとセッションストアに関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	hasher      *PasswordHasher
	sanitizer   *security.NameSanitizer
	validate    *validator.Validate
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = DefaultSessionMaxAge
	}
	return &Service{
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		hasher:      NewPasswordHasher(config.PasswordIterations),
		sanitizer:   security.NewNameSanitizer(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		config:      config,
		now:         time.Now,
	}
}

// Register はローカルユーザーを登録する。
// メールアドレスは正規化し、既存ユーザー（プロバイダー問わず）と重複する場合はmodel.ErrUserExistsを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	in.Email = model.NormalizeEmail(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidInput, describeValidationError(err))
	}

	existing, err := s.userRepo.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing != nil {
		return nil, model.ErrUserExists
	}

	cred, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     in.Email,
		Name:      s.displayName(in.Name, in.Email),
		Password:  cred,
		Provider:  model.ProviderLocal,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 同時登録はユニーク制約で検出され、ErrUserExistsとして返る
	if err := s.userRepo.CreateLocal(ctx, user); err != nil {
		if errors.Is(err, model.ErrUserExists) {
			return nil, model.ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("local user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Authenticate はメールアドレスとパスワードを検証する。
// ユーザーが存在しない場合もパスワード誤りと同じmodel.ErrInvalidCredentialsを返す。
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user == nil || !user.HasPassword() {
		s.hasher.VerifyDummy(password)
		return nil, model.ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, user.Password) {
		return nil, model.ErrInvalidCredentials
	}

	return user, nil
}

// Login は資格情報を検証し、セッションを発行する。
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", string(model.ProviderLocal)),
	)
	return user, session, nil
}

// FindByEmail は正規化したメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Service) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.userRepo.FindByEmail(ctx, model.NormalizeEmail(email))
}

// FindByProviderSubject はproviderとsubject IDでユーザーを取得する。見つからない場合はnilを返す。
func (s *Service) FindByProviderSubject(ctx context.Context, provider model.Provider, subjectID string) (*model.User, error) {
	return s.userRepo.FindByProviderSubject(ctx, provider, subjectID)
}

// FindUserByID はIDでユーザーを取得する。見つからない場合はnilを返す。
func (s *Service) FindUserByID(ctx context.Context, userID string) (*model.User, error) {
	return s.userRepo.FindByID(ctx, userID)
}

// ListIdentities はユーザーに紐付くIdP連携の一覧を返す。
func (s *Service) ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error) {
	return s.identRepo.ListByUserID(ctx, userID)
}

// UpsertOAuthUser はIdPのユーザーを照合または作成する。
// subject一致を最優先し、次にメール一致で既存ユーザーに紐付け、どちらもなければ新規作成する。
// IdPがメール未検証と明示した場合は合成アドレスに置き換え、メール一致による紐付けを行わない。
func (s *Service) UpsertOAuthUser(ctx context.Context, id OAuthIdentity) (*model.User, error) {
	if id.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", model.ErrUserinfoFailed)
	}

	email := model.NormalizeEmail(id.Email)
	if email != "" && id.EmailVerified != nil && !*id.EmailVerified {
		slog.Warn("ignoring unverified email for account linking",
			slog.String("provider", string(id.Provider)),
		)
		email = ""
	}
	if email == "" {
		email = syntheticEmail(id.Provider, id.Subject)
	}

	user, created, err := s.userRepo.UpsertOAuth(ctx, repository.OAuthUpsert{
		Provider:  id.Provider,
		SubjectID: id.Subject,
		Email:     email,
		Name:      s.displayName(id.Name, email),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert oauth user: %w", err)
	}

	if created {
		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("provider", string(id.Provider)),
		)
	}
	return user, nil
}

// CreateSession はセッションを作成し永続化する。
func (s *Service) CreateSession(ctx context.Context, userID string) (*model.Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now().UTC()
	session := &model.Session{
		ID:        token,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// ResolveSession はトークンに紐付くユーザーIDを返す。
// 存在しない・期限切れのセッションはどちらもokがfalseとなる。
func (s *Service) ResolveSession(ctx context.Context, token string) (userID string, ok bool, err error) {
	if token == "" {
		return "", false, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, token)
	if err != nil {
		return "", false, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !session.ValidAt(s.now()) {
		return "", false, nil
	}

	return session.UserID, true, nil
}

// RevokeSession はセッションを破棄する。存在しないトークンでもエラーにしない。
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// RevokeAllSessions はユーザーの全セッションを破棄する。
func (s *Service) RevokeAllSessions(ctx context.Context, userID string) error {
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}

	slog.Info("all sessions revoked", slog.String("user_id", userID))
	return nil
}

// GetCurrentUser はセッショントークンから現在のユーザーを取得する。
// 未ログイン・期限切れ・ユーザー削除済みの場合はnil, nilを返す。
func (s *Service) GetCurrentUser(ctx context.Context, token string) (*model.User, error) {
	userID, ok, err := s.ResolveSession(ctx, token)
	if err != nil || !ok {
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// displayName は表示名をサニタイズし、空の場合はメールアドレスのローカル部を使う。
func (s *Service) displayName(name, email string) string {
	if cleaned := s.sanitizer.Sanitize(name); cleaned != "" {
		return cleaned
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}

// syntheticEmail はメールアドレスを返さないIdP向けの一意な代替アドレスを生成する。
func syntheticEmail(provider model.Provider, subject string) string {
	return model.NormalizeEmail(fmt.Sprintf("%s+%s@users.noreply.local", provider, subject))
}

// describeValidationError はバリデーションエラーをフィールド名の一覧に変換する。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
	}
	return strings.Join(fields, ",")
}

// generateSessionToken は暗号的に安全なセッショントークンを生成する。
func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
