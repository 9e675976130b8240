package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps state in process
type MemoryStore struct {
	mu    sync.Mutex
	state *ScheduleState
	saves int
	err   error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Type implements Store
func (s *MemoryStore) Type() BackendType { return BackendTypeMemory }

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context) (*ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return NewScheduleState(), nil
	}
	return s.state.Clone(), nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, state *ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.state = state.Clone()
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailSaves makes every following Save return err (nil restores success)
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }
