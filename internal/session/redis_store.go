// Package session keeps short-lived reader and editor state in Redis:
// editor grants issued by the editing gate, failed unlock counters and
// per-reader completion sets.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrGrantNotFound = errors.New("editor grant not found or expired")

// Grant is what is stored for each editor token.
type Grant struct {
	ProjectID string    `json:"project_id"`
	Client    string    `json:"client"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "notes:"}
}

// Client exposes the connection for publishers sharing it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) grantKey(tokenHash string) string {
	return s.prefix + "grant:" + tokenHash
}

func (s *RedisStore) attemptsKey(client string) string {
	return s.prefix + "unlock-attempts:" + client
}

func (s *RedisStore) completionsKey(projectID, readerID string) string {
	return s.prefix + "done:" + projectID + ":" + readerID
}

func (s *RedisStore) SaveEditorGrant(ctx context.Context, tokenHash string, grant Grant, expiresAt time.Time) error {
	payload, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save editor grant: already expired")
	}
	if err := s.client.Set(ctx, s.grantKey(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save editor grant: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupEditorGrant(ctx context.Context, tokenHash string) (Grant, error) {
	payload, err := s.client.Get(ctx, s.grantKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return Grant{}, ErrGrantNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("lookup editor grant: %w", err)
	}
	var grant Grant
	if err := json.Unmarshal([]byte(payload), &grant); err != nil {
		return Grant{}, fmt.Errorf("unmarshal grant: %w", err)
	}
	return grant, nil
}

func (s *RedisStore) RevokeEditorGrant(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.grantKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke editor grant: %w", err)
	}
	return nil
}

// RecordFailedUnlock counts a wrong editing key from client within window and
// returns the running count.
func (s *RedisStore) RecordFailedUnlock(ctx context.Context, client string, window time.Duration) (int64, error) {
	key := s.attemptsKey(client)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record failed unlock: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) FailedUnlocks(ctx context.Context, client string) (int64, error) {
	n, err := s.client.Get(ctx, s.attemptsKey(client)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read failed unlocks: %w", err)
	}
	return n, nil
}

func (s *RedisStore) ResetFailedUnlocks(ctx context.Context, client string) error {
	if err := s.client.Del(ctx, s.attemptsKey(client)).Err(); err != nil {
		return fmt.Errorf("reset failed unlocks: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkComplete(ctx context.Context, projectID, readerID, contentID string) error {
	if err := s.client.SAdd(ctx, s.completionsKey(projectID, readerID), contentID).Err(); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	return nil
}

func (s *RedisStore) UnmarkComplete(ctx context.Context, projectID, readerID, contentID string) error {
	if err := s.client.SRem(ctx, s.completionsKey(projectID, readerID), contentID).Err(); err != nil {
		return fmt.Errorf("unmark complete: %w", err)
	}
	return nil
}

// Completions lists the content ids a reader has finished, sorted.
func (s *RedisStore) Completions(ctx context.Context, projectID, readerID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.completionsKey(projectID, readerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
