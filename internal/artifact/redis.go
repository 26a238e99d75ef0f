package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig selects a shared artifact store. Defaults load via envdecode.
type RedisConfig struct {
	Addr      string        `env:"EDGELINK_REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string        `env:"EDGELINK_REDIS_PREFIX,default=edgelink:artifact:"`
	TTL       time.Duration `env:"EDGELINK_REDIS_TTL,default=0s"`
}

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps artifacts until deleted.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "edgelink:artifact:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// NewRedisStoreFromEnv dials the configured server and pings it.
func NewRedisStoreFromEnv(ctx context.Context) (*RedisStore, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("artifact: redis env: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("artifact: redis ping: %w", err)
	}
	return NewRedisStore(cl, cfg.KeyPrefix, cfg.TTL), nil
}

func (s *RedisStore) key(account string) string { return s.keyPrefix + Key(account) }

func (s *RedisStore) Load(ctx context.Context, account string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(account)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: redis load: %w", err)
	}
	return b, nil
}

func (s *RedisStore) Save(ctx context.Context, account string, blob []byte) error {
	if err := s.client.Set(ctx, s.key(account), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("artifact: redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, account string) error {
	if err := s.client.Del(ctx, s.key(account)).Err(); err != nil {
		return fmt.Errorf("artifact: redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
