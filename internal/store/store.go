// ABOUTME: Store interfaces and data types for coven-board persistence
// ABOUTME: Defines Message, User, Session structs and the sentinel errors callers match on

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// ErrUsernameExists is returned when trying to create a user with an existing name.
// It matches ErrConflict under errors.Is.
var ErrUsernameExists = fmt.Errorf("username already exists: %w", ErrConflict)

// ErrTitleExists is returned when a message title is already taken.
var ErrTitleExists = fmt.Errorf("message title already exists: %w", ErrConflict)

// Message is a single board post.
type Message struct {
	ID        int64
	Title     string
	Content   string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is a registered board account.
type User struct {
	ID           string
	Name         string
	PasswordHash string // bcrypt
	CreatedAt    time.Time
}

// Session is a login session with a sliding expiry.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MessageStore persists board messages.
type MessageStore interface {
	FindMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, limit int) ([]*Message, error)
	CreateMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, id int64) error
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
}

// SessionStore persists login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns only sessions that have not expired.
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, seenAt, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Store is everything the server needs from a backend.
type Store interface {
	MessageStore
	UserStore
	SessionStore

	Ping(ctx context.Context) error
	Close() error
}
