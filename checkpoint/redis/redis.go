// Package redis provides a Redis-backed checkpoint store so a channel can be
// resumed by a different process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/airlock-go/checkpoint"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var _ checkpoint.Store = (*Store)(nil)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: AIRLOCK_REDIS_ADDR
	Addr string `env:"AIRLOCK_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AIRLOCK_CHECKPOINT_PREFIX
	KeyPrefix string `env:"AIRLOCK_CHECKPOINT_PREFIX,default=airlock:checkpoint:"`
}

// Store implements checkpoint.Store on plain Redis strings.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// New creates a Redis checkpoint store.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	owned := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		owned = true
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "airlock:checkpoint:"
	}
	return &Store{client: client, keyPrefix: prefix, owned: owned}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return New(cfg)
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, key string) (*checkpoint.Checkpoint, error) {
	if key == "" {
		return nil, checkpoint.ErrInvalidKey
	}
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", key, err)
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, key string, cp checkpoint.Checkpoint, opts ...checkpoint.Option) error {
	if key == "" {
		return checkpoint.ErrInvalidKey
	}
	o := checkpoint.Apply(opts...)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	var ttl time.Duration
	if o.TTL != nil {
		ttl = *o.TTL
	}
	if err := s.client.Set(ctx, s.key(key), b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set checkpoint %s: %w", key, err)
	}
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return checkpoint.ErrInvalidKey
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
