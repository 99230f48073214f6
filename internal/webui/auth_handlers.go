// ABOUTME: Login, registration and logout handlers
// ABOUTME: Attempts are throttled per client IP before any password work happens

package webui

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/validation"
)

// handleIndex sends visitors to the dashboard or the login page
func (u *UI) handleIndex(w http.ResponseWriter, r *http.Request) {
	if auth.MustFromContext(r.Context()).Authenticated() {
		http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, LoginPath, http.StatusSeeOther)
}

// handleLoginPage renders the login page
func (u *UI) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	rc := auth.MustFromContext(r.Context())
	// If already logged in, redirect to dashboard
	if rc.Authenticated() {
		http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
		return
	}

	u.renderPage(w, "login", loginData{
		Title:     "Sign in",
		CSRFToken: rc.CSRFToken,
	})
}

// throttled answers 429 when the client has used up its attempts.
func (u *UI) throttled(w http.ResponseWriter, r *http.Request) bool {
	if u.limiter == nil {
		return false
	}
	ok, wait := u.limiter.Allow(clientIP(r))
	if ok {
		return false
	}
	u.metrics.RateLimitHit()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	http.Error(w, "Too many attempts, try again later", http.StatusTooManyRequests)
	return true
}

func credentials(r *http.Request) auth.Credentials {
	return auth.Credentials{
		Name:     r.FormValue("name"),
		Password: r.FormValue("password"),
	}
}

// handleLogin processes login form submission
func (u *UI) handleLogin(w http.ResponseWriter, r *http.Request) {
	if u.throttled(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	creds := credentials(r)
	user, err := u.accounts.Authenticate(r.Context(), creds)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			u.metrics.AuthFailed("bad_credentials")
			u.logger.Info("login failed", "name", creds.Name, "ip", clientIP(r))
			http.Error(w, "Invalid username or password", http.StatusUnauthorized)
			return
		}
		u.writeError(w, r, err)
		return
	}

	if _, err := u.sessions.Start(r.Context(), w, r, user); err != nil {
		u.writeError(w, r, err)
		return
	}

	u.logger.Info("login successful", "name", user.Name)
	redirect(w, r, DashboardPath)
}

// handleRegister creates an account and sends the user to sign in
func (u *UI) handleRegister(w http.ResponseWriter, r *http.Request) {
	if u.throttled(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	_, err := u.accounts.Register(r.Context(), credentials(r))
	var verr *validation.Error
	switch {
	case err == nil:
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, verr.Body())
		return
	case errors.Is(err, store.ErrUsernameExists):
		http.Error(w, "Username already taken", http.StatusConflict)
		return
	default:
		u.writeError(w, r, err)
		return
	}

	redirect(w, r, LoginPath)
}

// handleLogout ends the session
func (u *UI) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := u.sessions.End(r.Context(), w, r); err != nil {
		u.logger.Warn("failed to delete session on logout", "error", err)
	}
	redirect(w, r, LoginPath)
}
