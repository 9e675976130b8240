package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// PebbleStore persists state under a single key in PebbleDB
type PebbleStore struct {
	db           *pebble.DB
	key          []byte
	legacySubnet chain.SubnetID
	logger       *zap.Logger
	closed       atomic.Bool
}

// NewPebbleStore opens (or creates) the database at cfg.Path
func NewPebbleStore(cfg *Config, logger *zap.Logger) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:            pebble.NewCache(8 << 20),
		MaxOpenFiles:     64,
		ErrorIfExists:    false,
		ErrorIfNotExists: false,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{
		db:           db,
		key:          []byte(cfg.key()),
		legacySubnet: cfg.LegacySubnet,
		logger:       logger,
	}, nil
}

// Type implements Store
func (s *PebbleStore) Type() BackendType { return BackendTypePebble }

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Load implements Store
func (s *PebbleStore) Load(ctx context.Context) (*ScheduleState, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(s.key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return NewScheduleState(), nil
		}
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}
	defer closer.Close()

	// value is only valid until closer.Close
	data := make([]byte, len(value))
	copy(data, value)
	return DecodeState(data, s.legacySubnet)
}

// Save implements Store
func (s *PebbleStore) Save(ctx context.Context, state *ScheduleState) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	if err := s.db.Set(s.key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set schedule state: %w", err)
	}
	return nil
}

// Close implements Store
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
