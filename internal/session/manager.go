package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/metrics"
)

// Factory builds the per-session collaborators for owner.
type Factory func(owner string, chainID int64) (Deps, error)

// Manager owns the live sessions of the process.
type Manager struct {
	factory Factory
	opts    Options
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(factory Factory, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session for owner on chainID.
func (m *Manager) Create(ctx context.Context, owner string, chainID int64) (*Session, error) {
	if _, ok := m.opts.Chains[chainID]; !ok {
		return nil, fmt.Errorf("session: create: chain %d: %w", chainID, domain.ErrUnsupportedChain)
	}
	deps, err := m.factory(owner, chainID)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	s, err := New(uuid.NewString(), owner, chainID, deps, m.opts, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetActiveSessions(n)

	s.logger.InfoContext(ctx, "session created", slog.String("owner", owner), slog.Int64("chain_id", chainID))
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// List returns the IDs of all live sessions, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove closes and forgets the session with id.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	s.Close()
	metrics.SetActiveSessions(n)
	return nil
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	metrics.SetActiveSessions(0)
}
