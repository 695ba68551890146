package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/portfolio/internal/model"
	"github.com/redis/go-redis/v9"
)

// redisSession はRedisに保存するセッションのJSON表現。
type redisSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// セッションは "<prefix><token>" にJSONで保存し、TTLを有効期限に合わせる。
// ユーザー単位の一括削除のため "<prefix>user:<userID>" にトークン集合を保持する。
type RedisSessionRepo struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。prefixが空の場合は"session:"を使う。
func NewRedisSessionRepo(client redis.UniversalClient, prefix string) *RedisSessionRepo {
	if prefix == "" {
		prefix = "session:"
	}
	return &RedisSessionRepo{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisSessionRepo) key(id string) string {
	return r.prefix + id
}

func (r *RedisSessionRepo) userKey(userID string) string {
	return r.prefix + "user:" + userID
}

// Create はセッションを作成する。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	b, err := json.Marshal(redisSession{
		ID:        session.ID,
		UserID:    session.UserID,
		ExpiresAt: session.ExpiresAt.UTC(),
		CreatedAt: session.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("session already expired at %s", session.ExpiresAt)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(session.ID), b, ttl)
	pipe.SAdd(ctx, r.userKey(session.UserID), session.ID)
	// 有効期間は全セッション共通のため、最新セッションのTTLで集合の期限を延長する
	pipe.Expire(ctx, r.userKey(session.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var s redisSession
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.ID != id || s.UserID == "" || s.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("malformed session record for key %q", r.key(id))
	}

	session := &model.Session{
		ID:        s.ID,
		UserID:    s.UserID,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
	}
	if !session.ValidAt(r.now()) {
		return nil, nil
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	session, err := r.FindByID(ctx, id)
	if err != nil {
		// 壊れたレコードも削除対象とする
		session = nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(id))
	if session != nil {
		pipe.SRem(ctx, r.userKey(session.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *RedisSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.key(id))
	}
	keys = append(keys, r.userKey(userID))

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
