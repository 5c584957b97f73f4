package bindings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "aida:binding:"

// RedisStore shares bindings between replicas so the media socket may land
// on a different process than the webhook that answered the call.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// OpenRedis parses a redis:// URL, connects and pings.
func OpenRedis(ctx context.Context, rawURL string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, "", ttl, logger), nil
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "bindings")),
	}
}

func (s *RedisStore) tokenKey(token string) string { return s.prefix + token }
func (s *RedisStore) callKey(ccid string) string   { return s.prefix + "cc:" + ccid }

func (s *RedisStore) Put(ctx context.Context, b Binding) error {
	if b.Token == "" {
		return errors.New("binding token is required")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(b.Token), data, s.ttl)
	if b.CallConnectionID != "" {
		pipe.Set(ctx, s.callKey(b.CallConnectionID), b.Token, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store binding: %w", err)
	}
	s.logger.Debug("binding stored",
		zap.String("token", b.Token),
		zap.String("call_connection_id", b.CallConnectionID),
		zap.Duration("ttl", s.ttl),
	)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (Binding, error) {
	data, err := s.client.Get(ctx, s.tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("load binding: %w", err)
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return Binding{}, fmt.Errorf("decode binding: %w", err)
	}
	return b, nil
}

func (s *RedisStore) ByCallConnection(ctx context.Context, callConnectionID string) (Binding, error) {
	token, err := s.client.Get(ctx, s.callKey(callConnectionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("load binding index: %w", err)
	}
	return s.Get(ctx, token)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
