// ABOUTME: CSRF synchronizer tokens signed as HS256 JWTs with a rotating secret
// ABOUTME: Tokens bind to the browser's anti-forgery cookie and verify against current or previous key

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CSRF errors. Both map to 403.
var (
	ErrCSRFMissing = errors.New("csrf token missing")
	ErrCSRFInvalid = errors.New("csrf token invalid")
)

// minSecretLen is the shortest accepted signing secret in bytes.
const minSecretLen = 32

// keyring is the immutable pair of signing secrets in force.
type keyring struct {
	current  []byte
	previous []byte // nil until the first rotation
}

type csrfClaims struct {
	jwt.RegisteredClaims
}

// CSRF issues and verifies anti-forgery tokens.
type CSRF struct {
	ring   atomic.Pointer[keyring]
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCSRF creates a token authority. An empty secret generates a random one,
// which means tokens do not survive a restart.
func NewCSRF(secret []byte, ttl time.Duration, logger *slog.Logger) (*CSRF, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(secret) == 0 {
		var err error
		secret, err = randomSecret()
		if err != nil {
			return nil, err
		}
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("csrf secret must be at least %d bytes", minSecretLen)
	}
	if ttl <= 0 {
		return nil, errors.New("csrf token ttl must be positive")
	}

	c := &CSRF{
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "csrf"),
	}
	c.ring.Store(&keyring{current: secret})
	return c, nil
}

// Issue mints a token bound to the given anti-forgery cookie value.
func (c *CSRF) Issue(binding string) (string, error) {
	if binding == "" {
		return "", errors.New("csrf binding required")
	}

	now := c.now()
	claims := csrfClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   binding,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.ring.Load().current)
	if err != nil {
		return "", fmt.Errorf("signing csrf token: %w", err)
	}
	return signed, nil
}

// Verify checks that token was issued by this authority for binding and has
// not expired. The previous secret is accepted until the next rotation.
func (c *CSRF) Verify(token, binding string) error {
	if token == "" {
		return ErrCSRFMissing
	}
	if binding == "" {
		return ErrCSRFInvalid
	}

	ring := c.ring.Load()
	err := c.verifyWith(ring.current, token, binding)
	if err != nil && ring.previous != nil {
		err = c.verifyWith(ring.previous, token, binding)
	}
	return err
}

func (c *CSRF) verifyWith(secret []byte, tokenString, binding string) error {
	var claims csrfClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (interface{}, error) {
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCSRFInvalid, err)
	}
	if !token.Valid || claims.Subject != binding {
		return ErrCSRFInvalid
	}
	return nil
}

// Rotate installs a new random secret and keeps the old one for verification.
func (c *CSRF) Rotate() error {
	secret, err := randomSecret()
	if err != nil {
		return err
	}
	for {
		old := c.ring.Load()
		next := &keyring{current: secret, previous: old.current}
		if c.ring.CompareAndSwap(old, next) {
			break
		}
	}
	c.logger.Info("csrf secret rotated")
	return nil
}

// RunRotation rotates the secret every interval until ctx is cancelled.
func (c *CSRF) RunRotation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Rotate(); err != nil {
				c.logger.Error("failed to rotate csrf secret", "error", err)
			}
		}
	}
}

func randomSecret() ([]byte, error) {
	b := make([]byte, minSecretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating csrf secret: %w", err)
	}
	return b, nil
}
