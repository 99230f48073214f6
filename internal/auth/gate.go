// ABOUTME: HTTP middleware that issues CSRF tokens on safe requests and verifies them on unsafe ones
// ABOUTME: Attaches the RequestContext every downstream handler reads

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/2389/coven-board/internal/metrics"
)

const (
	// CSRFCookieName holds the per-browser value tokens are bound to
	CSRFCookieName = "coven_board_csrf"

	// CSRFHeader carries the token on unsafe requests and on every response
	CSRFHeader = "X-CSRF-Token"

	// RequestIDHeader is echoed back on every response
	RequestIDHeader = "X-Request-ID"
)

// GateConfig configures the security gate.
type GateConfig struct {
	// RequireHTMX rejects unsafe requests that were not sent by htmx.
	RequireHTMX bool
	// SecureCookies forces the Secure attribute even without TLS (behind a proxy).
	SecureCookies bool
}

// Gate is the outermost middleware of the request pipeline.
type Gate struct {
	csrf    *CSRF
	cfg     GateConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGate creates a gate. m may be nil.
func NewGate(csrf *CSRF, cfg GateConfig, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		csrf:    csrf,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "gate"),
	}
}

// isSafeMethod reports whether m cannot change state.
func isSafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// isHTMX reports whether the request came from htmx.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// Protect wraps next. Safe requests get a fresh token; unsafe requests must
// present a valid one or are answered with 403 without reaching next.
func (g *Gate) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{RequestID: r.Header.Get(RequestIDHeader)}
		if rc.RequestID == "" {
			rc.RequestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, rc.RequestID)

		binding, fresh := g.ensureBinding(w, r)

		if !isSafeMethod(r.Method) {
			if err := g.verify(r, binding, fresh); err != nil {
				g.reject(w, r, err)
				return
			}
		}

		token, err := g.csrf.Issue(binding)
		if err != nil {
			g.logger.Error("failed to issue csrf token", "error", err, "request_id", rc.RequestID)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		rc.CSRFToken = token
		w.Header().Set(CSRFHeader, token)

		next.ServeHTTP(w, r.WithContext(WithRequest(r.Context(), rc)))
	})
}

// errInvalidSource marks unsafe requests that did not come from htmx.
var errInvalidSource = errors.New("invalid request source")

func (g *Gate) verify(r *http.Request, binding string, fresh bool) error {
	if g.cfg.RequireHTMX && !isHTMX(r) {
		return errInvalidSource
	}

	// Header only.
	token := r.Header.Get(CSRFHeader)
	if token == "" {
		return ErrCSRFMissing
	}
	// A cookie minted on this very request cannot have a token yet.
	if fresh {
		return ErrCSRFInvalid
	}
	return g.csrf.Verify(token, binding)
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, err error) {
	reason := "invalid"
	msg := "Forbidden: invalid CSRF token"
	switch {
	case errors.Is(err, errInvalidSource):
		reason = "source"
		msg = "Invalid source"
	case errors.Is(err, ErrCSRFMissing):
		reason = "missing"
		msg = "Forbidden: missing CSRF token"
	}

	g.metrics.CSRFRejected(reason)
	g.logger.Warn("rejected unsafe request",
		"method", r.Method,
		"path", r.URL.Path,
		"reason", reason)
	http.Error(w, msg, http.StatusForbidden)
}

// ensureBinding returns the browser's anti-forgery cookie, creating one when
// absent. fresh reports whether it was created on this request.
func (g *Gate) ensureBinding(w http.ResponseWriter, r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(CSRFCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, false
	}

	value, err := generateSecureToken(32)
	if err != nil {
		g.logger.Warn("crypto/rand failed, using uuid for csrf cookie", "error", err)
		value = uuid.New().String()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil || g.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	return value, true
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
