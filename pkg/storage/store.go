package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// BackendType identifies the type of storage backend
type BackendType string

const (
	// BackendTypeFile persists to a JSON file replaced atomically
	BackendTypeFile BackendType = "file"

	// BackendTypePebble persists to a PebbleDB directory
	BackendTypePebble BackendType = "pebble"

	// BackendTypeRedis persists to a Redis key
	BackendTypeRedis BackendType = "redis"

	// BackendTypeMemory keeps state in process (for testing)
	BackendTypeMemory BackendType = "memory"
)

// DefaultKey is the record key used by key-value backends
const DefaultKey = "stakebot:schedule"

// Store persists the schedule state
type Store interface {
	// Load returns the persisted state, or an empty state if none was saved
	Load(ctx context.Context) (*ScheduleState, error)

	// Save replaces the persisted state
	Save(ctx context.Context, state *ScheduleState) error

	// Close releases backend resources
	Close() error

	// Type returns the backend type
	Type() BackendType
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Config holds store configuration
type Config struct {
	// Backend selects the implementation
	Backend BackendType

	// Path is the file path (file) or database directory (pebble)
	Path string

	// Key is the record key for pebble and redis
	Key string

	// LegacySubnet receives single-subnet fields from older state files
	LegacySubnet chain.SubnetID

	Redis RedisConfig
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendTypeFile, BackendTypePebble:
		if c.Path == "" {
			return fmt.Errorf("path is required for %s backend", c.Backend)
		}
	case BackendTypeRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis backend")
		}
	case BackendTypeMemory:
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Backend)
	}
	return nil
}

func (c *Config) key() string {
	if c.Key == "" {
		return DefaultKey
	}
	return c.Key
}

// Open creates the store selected by cfg.Backend
func Open(cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage").With(zap.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case BackendTypeFile:
		return NewFileStore(cfg.Path, cfg.LegacySubnet, logger), nil
	case BackendTypePebble:
		return NewPebbleStore(cfg, logger)
	case BackendTypeRedis:
		return NewRedisStore(cfg, logger)
	default:
		return NewMemoryStore(), nil
	}
}
