// ABOUTME: Cookie-backed login sessions with sliding inactivity expiry
// ABOUTME: Provides the Require middleware that gates handlers on an authenticated principal

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/store"
)

const (
	// SessionCookieName is the name of the session cookie
	SessionCookieName = "coven_board_session"

	// DefaultInactivityTimeout ends sessions idle for a day.
	DefaultInactivityTimeout = 24 * time.Hour

	// touchGranularity limits how often activity is written back.
	touchGranularity = time.Minute
)

// ErrUnauthorized means the request carries no valid session.
var ErrUnauthorized = errors.New("unauthorized")

// SessionConfig configures Sessions.
type SessionConfig struct {
	InactivityTimeout time.Duration
	SecureCookies     bool
	LoginPath         string // page navigations without a session are sent here
}

// Sessions manages login sessions on top of a session and user store.
type Sessions struct {
	sessions store.SessionStore
	users    store.UserStore
	cfg      SessionConfig
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSessions creates a session manager.
func NewSessions(sessions store.SessionStore, users store.UserStore, cfg SessionConfig, m *metrics.Metrics, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	return &Sessions{
		sessions: sessions,
		users:    users,
		cfg:      cfg,
		now:      time.Now,
		metrics:  m,
		logger:   logger.With("component", "sessions"),
	}
}

// Start creates a session for user and sets the cookie.
func (s *Sessions) Start(ctx context.Context, w http.ResponseWriter, r *http.Request, user *store.User) (*Principal, error) {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := s.now()
	session := &store.Session{
		ID:         sessionID,
		UserID:     user.ID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.cfg.InactivityTimeout),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil || s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	s.logger.Info("session started", "user", user.Name)
	return &Principal{UserID: user.ID, Name: user.Name, SessionID: sessionID}, nil
}

// Lookup resolves the request's session cookie to a principal and slides
// its expiry forward. Returns ErrUnauthorized when there is no live session.
func (s *Sessions) Lookup(r *http.Request) (*Principal, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrUnauthorized
	}
	ctx := r.Context()

	session, err := s.sessions.GetSession(ctx, cookie.Value)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := s.now()
	if session.Expired(now) {
		_ = s.sessions.DeleteSession(ctx, session.ID)
		return nil, ErrUnauthorized
	}

	user, err := s.users.GetUser(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}

	if now.Sub(session.LastSeenAt) >= touchGranularity {
		if err := s.sessions.TouchSession(ctx, session.ID, now, now.Add(s.cfg.InactivityTimeout)); err != nil {
			s.logger.Warn("failed to extend session", "error", err)
		}
	}

	return &Principal{UserID: user.ID, Name: user.Name, SessionID: session.ID}, nil
}

// End destroys the request's session and clears the cookie.
func (s *Sessions) End(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var err error
	if cookie, cerr := r.Cookie(SessionCookieName); cerr == nil && cookie.Value != "" {
		err = s.sessions.DeleteSession(ctx, cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	return err
}

// Require wraps next so it only runs with an authenticated principal on the
// request context. htmx and unsafe requests get 401; page loads are redirected
// to the login page.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.Lookup(r)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				s.logger.Error("session lookup failed", "error", err)
			}
			s.metrics.AuthFailed("no_session")
			s.deny(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// Optional attaches the principal when a valid session exists and never denies.
func (s *Sessions) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, err := s.Lookup(r); err == nil {
			r = r.WithContext(withPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Sessions) deny(w http.ResponseWriter, r *http.Request) {
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", s.cfg.LoginPath)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !isSafeMethod(r.Method) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, s.cfg.LoginPath, http.StatusSeeOther)
}

// RunCleanup deletes expired sessions every interval until ctx is cancelled.
func (s *Sessions) RunCleanup(ctx context.Context, interval time.Duration) {
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
			n, err := s.sessions.DeleteExpiredSessions(ctx)
			if err != nil {
				s.logger.Error("failed to delete expired sessions", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}
