package session

import (
	"context"
	"log/slog"
	"sync"
)

// Manager tracks active assessment sessions by client connection id.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Session
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{active: make(map[string]*Session)}
}

// Get returns the session for a connection id, or nil.
func (m *Manager) Get(connID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[connID]
}

// Register binds a session to a connection id. An existing session for the
// same connection is closed first.
func (m *Manager) Register(connID string, s *Session) {
	m.mu.Lock()
	existing := m.active[connID]
	m.active[connID] = s
	m.mu.Unlock()

	if existing != nil && existing != s {
		_, _ = existing.Close(context.Background())
		slog.Info("Replaced assessment session",
			"connection_id", connID,
			"assessment_id", existing.ID())
	}
	slog.Info("Assessment session registered",
		"connection_id", connID,
		"assessment_id", s.ID())
}

// Unregister removes a session binding. The binding is only removed when it
// still points at the given session.
func (m *Manager) Unregister(connID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[connID]; ok && current == s {
		delete(m.active, connID)
		slog.Info("Assessment session unregistered",
			"connection_id", connID,
			"assessment_id", s.ID())
	}
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CloseAll closes every active session, for shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.active = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_, _ = s.Close(ctx)
	}
}
