package game

import (
	"context"
	"sync"
)

// MemoryStore keeps session snapshots in process memory. It is the default
// when no database URL is configured and the canonical store for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) SaveSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrStoreNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) Close() error { return nil }
