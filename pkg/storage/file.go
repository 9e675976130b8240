package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// FileStore persists state as JSON, replacing the file atomically
type FileStore struct {
	path         string
	legacySubnet chain.SubnetID
	logger       *zap.Logger
	mu           sync.Mutex
}

// NewFileStore creates a file-backed store at path
func NewFileStore(path string, legacySubnet chain.SubnetID, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, legacySubnet: legacySubnet, logger: logger}
}

// Type implements Store
func (s *FileStore) Type() BackendType { return BackendTypeFile }

// Path returns the state file path
func (s *FileStore) Path() string { return s.path }

// Load implements Store. A missing file yields an empty state.
func (s *FileStore) Load(ctx context.Context) (*ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No schedule state found, starting empty", zap.String("path", s.path))
			return NewScheduleState(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return DecodeState(data, s.legacySubnet)
}

// Save implements Store: write temp file, fsync, rename over the target
func (s *FileStore) Save(ctx context.Context, state *ScheduleState) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error { return nil }
