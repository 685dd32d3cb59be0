package checkpoint

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It does not survive process restarts and
// exists for tests and for the degraded fallback path when the durable store
// is unreachable.
type MemStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{states: map[string]*State{}}
}

// Load implements [Store].
func (m *MemStore) Load(_ context.Context, sessionID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Save implements [Store]. The state is deep-copied so later caller mutations
// do not leak into the store.
func (m *MemStore) Save(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SessionID] = state.Clone()
	return nil
}

// Close implements [Store]. It is a no-op.
func (m *MemStore) Close() error {
	return nil
}
