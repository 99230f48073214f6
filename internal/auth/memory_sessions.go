// ABOUTME: In-memory session store for single-process deployments and tests
// ABOUTME: Sessions vanish on restart; reads share an RWMutex

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-board/internal/store"
)

// MemorySessionStore keeps sessions in a map.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]store.Session
	now      func() time.Time
}

var _ store.SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]store.Session),
		now:      time.Now,
	}
}

// CreateSession stores a copy of session.
func (m *MemorySessionStore) CreateSession(ctx context.Context, session *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *session
	if s.LastSeenAt.IsZero() {
		s.LastSeenAt = s.CreatedAt
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession returns a live session or store.ErrNotFound.
func (m *MemorySessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(m.now()) {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

// TouchSession moves a session's expiry.
func (m *MemorySessionStore) TouchSession(ctx context.Context, id string, seenAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.LastSeenAt = seenAt
	s.ExpiresAt = expiresAt
	m.sessions[id] = s
	return nil
}

// DeleteSession removes a session.
func (m *MemorySessionStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// DeleteExpiredSessions removes every expired session.
func (m *MemorySessionStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions, expired or not.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
