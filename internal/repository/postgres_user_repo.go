package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/portfolio/internal/model"
)

const userColumns = `u.id, u.email, u.name, u.provider, u.provider_subject_id,
	u.password_hash, u.password_salt, u.password_iterations, u.password_digest,
	u.created_at, u.updated_at`

// rowQueryer は*sql.DBと*sql.Txの共通部分。
type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	user, err := findUserByID(ctx, r.db, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail は正規化済みメールアドレスでユーザーを取得する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := findUserByEmail(ctx, r.db, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByProviderSubject はidentitiesを経由してユーザーを取得する。
func (r *PostgresUserRepo) FindByProviderSubject(ctx context.Context, provider model.Provider, subjectID string) (*model.User, error) {
	user, err := findUserBySubject(ctx, r.db, provider, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by provider subject: %w", err)
	}
	return user, nil
}

// CreateLocal はローカルユーザーを作成する。
// メールアドレスのユニーク制約に衝突した場合はmodel.ErrUserExistsを返す。
func (r *PostgresUserRepo) CreateLocal(ctx context.Context, user *model.User) error {
	if user.Password == nil {
		return fmt.Errorf("local user requires a password credential: %w", model.ErrInvalidInput)
	}

	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, name, provider, password_hash, password_salt,
		                    password_iterations, password_digest, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id`,
		user.ID, user.Email, user.Name, string(model.ProviderLocal),
		user.Password.Hash, user.Password.Salt, user.Password.Iterations, user.Password.Digest,
		user.CreatedAt, user.UpdatedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return nil
}

// UpsertOAuth は外部IdPユーザーを同一トランザクション内で照合・作成する。
func (r *PostgresUserRepo) UpsertOAuth(ctx context.Context, in OAuthUpsert) (*model.User, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. subject一致を最優先
	user, err := findUserBySubject(ctx, tx, in.Provider, in.SubjectID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find user by provider subject: %w", err)
	}
	if user != nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return user, false, nil
	}

	// 2. メール一致
	user, err = findUserByEmail(ctx, tx, in.Email)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find user by email: %w", err)
	}

	created := false
	now := time.Now().UTC()

	// 3. 新規作成
	if user == nil {
		user, err = scanUser(tx.QueryRowContext(ctx,
			`INSERT INTO users AS u (id, email, name, provider, provider_subject_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 ON CONFLICT (email) DO NOTHING
			 RETURNING `+userColumns,
			uuid.New().String(), in.Email, in.Name, string(in.Provider), in.SubjectID, now,
		))
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert user: %w", err)
		}
		if user == nil {
			// 同時に同じメールアドレスで作成された
			user, err = findUserByEmail(ctx, tx, in.Email)
			if err != nil || user == nil {
				return nil, false, fmt.Errorf("failed to resolve concurrently created user: %w", err)
			}
		} else {
			created = true
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_user_id) DO NOTHING`,
		uuid.New().String(), user.ID, string(in.Provider), in.SubjectID, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert identity: %w", err)
	}

	var ownerID string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		string(in.Provider), in.SubjectID,
	).Scan(&ownerID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read identity owner: %w", err)
	}

	if ownerID != user.ID {
		// 同じsubjectが別トランザクションで先に紐付けられた。そちらを正とする。
		tx.Rollback()
		owner, err := r.FindByID(ctx, ownerID)
		if err != nil {
			return nil, false, err
		}
		if owner == nil {
			return nil, false, fmt.Errorf("identity owner %s not found", ownerID)
		}
		return owner, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return user, created, nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するidentities、sessionsはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	return nil
}

func findUserByID(ctx context.Context, q rowQueryer, id string) (*model.User, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id))
}

func findUserByEmail(ctx context.Context, q rowQueryer, email string) (*model.User, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.email = $1`, email))
}

func findUserBySubject(ctx context.Context, q rowQueryer, provider model.Provider, subjectID string) (*model.User, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+`
		 FROM identities i
		 JOIN users u ON u.id = i.user_id
		 WHERE i.provider = $1 AND i.provider_user_id = $2`,
		string(provider), subjectID))
}

// scanUser は1行をUserに変換する。行が存在しない場合はnil, nilを返す。
// パスワード列は全て揃っている場合のみ資格情報として扱う。
func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u          model.User
		provider   string
		subject    sql.NullString
		hash, salt []byte
		iterations sql.NullInt64
		digest     sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &provider, &subject,
		&hash, &salt, &iterations, &digest, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.Provider = model.Provider(provider)
	u.ProviderSubjectID = subject.String
	if hash != nil && salt != nil && iterations.Valid && digest.Valid {
		u.Password = &model.PasswordCredential{
			Salt:       salt,
			Iterations: int(iterations.Int64),
			Hash:       hash,
			Digest:     digest.String,
		}
	}

	return &u, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
