package nonce

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Source looks up the next on-chain nonce for an account
type Source interface {
	AccountNonce(ctx context.Context, account string) (uint64, error)
}

// Manager hands out nonces for a single signer, optimistically incrementing a
// local cache. The cache is "unknown" after Invalidate or a failed lookup, and
// the next Next call re-queries the chain.
type Manager struct {
	source Source
	signer string
	logger *zap.Logger

	mu     sync.Mutex
	cached uint64
	known  bool
}

// NewManager creates a nonce manager for signer
func NewManager(source Source, signer string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		source: source,
		signer: signer,
		logger: logger.Named("nonce").With(zap.String("signer", signer)),
	}
}

// Signer returns the account this manager issues nonces for
func (m *Manager) Signer() string {
	return m.signer
}

// Refresh re-queries the chain. On failure the cache stays unknown and 0 is returned.
func (m *Manager) Refresh(ctx context.Context) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) uint64 {
	n, err := m.source.AccountNonce(ctx, m.signer)
	if err != nil {
		m.logger.Warn("Failed to fetch account nonce", zap.Error(err))
		m.known = false
		m.cached = 0
		return 0
	}
	m.cached = n
	m.known = true
	m.logger.Debug("Nonce refreshed", zap.Uint64("nonce", n))
	return n
}

// Current returns the cached nonce without consuming it, refreshing if unknown
func (m *Manager) Current(ctx context.Context) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return m.refreshLocked(ctx)
	}
	return m.cached
}

// Next returns a nonce not previously returned since the last Invalidate and
// advances the cache. When the chain cannot be reached it falls back to 0 and
// counts up from there.
func (m *Manager) Next(ctx context.Context) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known {
		m.refreshLocked(ctx)
		// best effort: keep issuing from the fallback value
		m.known = true
	}
	n := m.cached
	m.cached++
	return n
}

// Invalidate forces the next Next or Current call to query the chain
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.known = false
	m.mu.Unlock()
	m.logger.Debug("Nonce invalidated")
}
