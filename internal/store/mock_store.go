// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures per operation

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Set the *Err fields to force the matching operation to fail.
type MockStore struct {
	mu       sync.RWMutex
	messages map[int64]*Message
	nextID   int64
	users    map[string]*User // keyed by user ID
	sessions map[string]*Session

	// Injected failures.
	CreateErr error
	UpdateErr error
	DeleteErr error
	FindErr   error
	PingErr   error

	calls map[string]int
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[int64]*Message),
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
		calls:    make(map[string]int),
	}
}

// Calls returns how many times the named method has been invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// CreateMessage stores a copy of msg and assigns its ID.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateMessage"]++

	if m.CreateErr != nil {
		return m.CreateErr
	}
	for _, existing := range m.messages {
		if existing.Title == msg.Title {
			return ErrTitleExists
		}
	}

	m.nextID++
	msg.ID = m.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	c := *msg
	m.messages[c.ID] = &c
	return nil
}

// FindMessage retrieves a message by ID.
func (m *MockStore) FindMessage(ctx context.Context, id int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FindMessage"]++

	if m.FindErr != nil {
		return nil, m.FindErr
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// ListMessages returns messages ordered by ID.
func (m *MockStore) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListMessages"]++

	result := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		c := *msg
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateMessage replaces title and content of an existing message.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateMessage"]++

	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.messages {
		if id != msg.ID && other.Title == msg.Title {
			return ErrTitleExists
		}
	}

	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	}
	existing.Title = msg.Title
	existing.Content = msg.Content
	existing.UpdatedAt = msg.UpdatedAt
	return nil
}

// DeleteMessage removes a message.
func (m *MockStore) DeleteMessage(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["DeleteMessage"]++

	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, ok := m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	return nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateUser"]++

	for _, u := range m.users {
		if u.Name == user.Name {
			return ErrUsernameExists
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	c := *user
	m.users[c.ID] = &c
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByName retrieves a user by login name.
func (m *MockStore) GetUserByName(ctx context.Context, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetUserByName"]++

	for _, u := range m.users {
		if u.Name == name {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// CountUsers returns the number of users.
func (m *MockStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// CreateSession stores a session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateSession"]++

	c := *session
	if c.LastSeenAt.IsZero() {
		c.LastSeenAt = c.CreatedAt
	}
	m.sessions[c.ID] = &c
	return nil
}

// GetSession returns a non-expired session.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// TouchSession moves a session's expiry.
func (m *MockStore) TouchSession(ctx context.Context, id string, seenAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastSeenAt = seenAt
	s.ExpiresAt = expiresAt
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// DeleteExpiredSessions removes expired sessions.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
