package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-ai/parley/pkg/config"
)

// RedisStore implements Store over Redis. Key layout:
//
//	<prefix>:session:<id>            descriptor blob (TTL)
//	<prefix>:user:<id>:sessions      set of session ids (TTL)
//	<prefix>:session:<id>:messages   list of serialized messages (TTL)
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *config.PresenceConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *RedisStore) userKey(id string) string {
	return fmt.Sprintf("%s:user:%s:sessions", s.prefix, id)
}

func (s *RedisStore) messagesKey(id string) string {
	return fmt.Sprintf("%s:session:%s:messages", s.prefix, id)
}

func (s *RedisStore) SetSession(ctx context.Context, sessionID string, payload []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.sessionKey(sessionID), payload, ttl).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (s *RedisStore) RefreshSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.sessionKey(sessionID), ttl).Err()
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.sessionKey(sessionID), s.messagesKey(sessionID)).Err()
}

func (s *RedisStore) AddUserSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.userKey(userID), sessionID)
	pipe.Expire(ctx, s.userKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemoveUserSession(ctx context.Context, userID, sessionID string) error {
	return s.client.SRem(ctx, s.userKey(userID), sessionID).Err()
}

func (s *RedisStore) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) PushMessage(ctx context.Context, sessionID string, payload []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.messagesKey(sessionID), payload)
	pipe.Expire(ctx, s.messagesKey(sessionID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CachedMessages(ctx context.Context, sessionID string, n int) ([][]byte, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	items, err := s.client.LRange(ctx, s.messagesKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, s.prefix+":"+channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.client.Subscribe(ctx, s.prefix+":"+channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
