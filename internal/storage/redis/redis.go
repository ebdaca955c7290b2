package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mediatrace/internal/config"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	prefix     string
	tabID      string
	sessionTTL time.Duration
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig, tabID string, sessionTTL time.Duration) (*Store, error) {
	if tabID == "" {
		return nil, fmt.Errorf("tab id is required")
	}

	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mediatrace"
	}

	return &Store{
		client:     client,
		prefix:     prefix,
		tabID:      tabID,
		sessionTTL: sessionTTL,
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Durable returns the durable tier; keys never expire.
func (s *Store) Durable() storage.KV {
	return &kv{client: s.client, prefix: fmt.Sprintf("%s:durable:", s.prefix)}
}

// Session returns the tab tier. Reads and writes refresh a key's TTL, so a
// tab whose session id goes unread for longer than the session TTL starts a
// new session.
func (s *Store) Session() storage.KV {
	return &kv{
		client: s.client,
		prefix: fmt.Sprintf("%s:tab:%s:", s.prefix, s.tabID),
		ttl:    s.sessionTTL,
	}
}

type kv struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func (k *kv) Get(ctx context.Context, key string) ([]byte, error) {
	var cmd *redis.StringCmd
	if k.ttl > 0 {
		cmd = k.client.GetEx(ctx, k.prefix+key, k.ttl)
	} else {
		cmd = k.client.Get(ctx, k.prefix+key)
	}
	value, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (k *kv) Put(ctx context.Context, key string, value []byte) error {
	if err := k.client.Set(ctx, k.prefix+key, value, k.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (k *kv) Delete(ctx context.Context, key string) error {
	removed, err := k.client.Del(ctx, k.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}
