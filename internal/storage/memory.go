package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ SessionStore = (*MemoryStore)(nil)

// MemoryStore is the in-memory session store, used in development and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// GetSession retrieves a session by token
func (s *MemoryStore) GetSession(_ context.Context, token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	// Return a copy so callers can mutate freely before PutSession.
	copied := *session
	return &copied, nil
}

// PutSession stores or replaces a session
func (s *MemoryStore) PutSession(_ context.Context, token string, session *Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	copied.Token = token
	s.sessions[token] = &copied
	return nil
}

// DeleteSession removes a session
func (s *MemoryStore) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, token)
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry
func (s *MemoryStore) DeleteExpiredSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for token, session := range s.sessions {
		if !session.ExpiresAt.IsZero() && now.After(session.ExpiresAt) {
			delete(s.sessions, token)
			count++
		}
	}
	return count, nil
}
