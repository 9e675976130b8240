package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// RedisStore persists state under a single Redis key.
// The connection is established lazily on first use.
type RedisStore struct {
	client       *redis.Client
	key          string
	legacySubnet chain.SubnetID
	logger       *zap.Logger
	closed       atomic.Bool
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(cfg *Config, logger *zap.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialTimeout := cfg.Redis.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &RedisStore{
		client:       client,
		key:          cfg.key(),
		legacySubnet: cfg.LegacySubnet,
		logger:       logger,
	}, nil
}

// Type implements Store
func (s *RedisStore) Type() BackendType { return BackendTypeRedis }

// Key returns the Redis key holding the state
func (s *RedisStore) Key() string { return s.key }

// Load implements Store
func (s *RedisStore) Load(ctx context.Context) (*ScheduleState, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewScheduleState(), nil
		}
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}
	return DecodeState(data, s.legacySubnet)
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, state *ScheduleState) error {
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set schedule state: %w", err)
	}
	return nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
