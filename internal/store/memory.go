package store

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in a map. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) GetSessionByKey(_ context.Context, key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []Session
	for _, s := range m.sessions {
		if s.Key == key {
			found = append(found, s)
		}
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	sortRecent(found)
	return &found[0], nil
}

func (m *MemoryStore) SaveSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.sessions[sess.ID] = *sess
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, f Filter) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if f.match(&s) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sortRecent(out)
	return page(out, f), nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
