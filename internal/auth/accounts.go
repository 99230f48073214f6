// ABOUTME: Account registration and password authentication using bcrypt
// ABOUTME: Unknown users still pay for a bcrypt comparison so timing does not reveal names

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/validation"
)

// ErrInvalidCredentials is returned for a wrong name or password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// dummyHash is compared against when the user doesn't exist.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Credentials is a submitted name/password pair.
type Credentials struct {
	Name     string `form:"name" validate:"required,min=3,max=32,username"`
	Password string `form:"password" validate:"required,min=8,max=72"`
}

// Accounts registers and authenticates users.
type Accounts struct {
	users    store.UserStore
	validate *validation.Validator
	cost     int
	logger   *slog.Logger
}

// NewAccounts creates an account service. cost <= 0 selects bcrypt.DefaultCost.
func NewAccounts(users store.UserStore, cost int, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Accounts{
		users:    users,
		validate: validation.New(),
		cost:     cost,
		logger:   logger.With("component", "accounts"),
	}
}

// Register validates creds and creates a user. Failing rules come back as
// *validation.Error; a taken name as store.ErrUsernameExists.
func (a *Accounts) Register(ctx context.Context, creds Credentials) (*store.User, error) {
	creds.Name = strings.TrimSpace(creds.Name)
	if err := a.validate.Struct(creds); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Name:         creds.Name,
		PasswordHash: string(hash),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	a.logger.Info("user registered", "name", user.Name)
	return user, nil
}

// Authenticate checks creds and returns the matching user or ErrInvalidCredentials.
func (a *Accounts) Authenticate(ctx context.Context, creds Credentials) (*store.User, error) {
	name := strings.TrimSpace(creds.Name)
	if name == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := a.users.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(creds.Password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
