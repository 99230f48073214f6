// ABOUTME: Browser UI for the message board: pages, message partials and the live feed
// ABOUTME: Every route passes the security gate; board routes also require a session

package webui

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/board"
	"github.com/2389/coven-board/internal/dedupe"
	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/ratelimit"
	"github.com/2389/coven-board/internal/stream"
	"github.com/2389/coven-board/internal/validation"
)

const (
	// LoginPath is where unauthenticated page loads are sent.
	LoginPath = "/login"

	// DashboardPath is the board's main page.
	DashboardPath = "/dashboard"

	// IdempotencyHeader lets clients retry a create without posting twice.
	IdempotencyHeader = "Idempotency-Key"

	// MessageIDHeader carries the id of a created message on the 204.
	MessageIDHeader = "X-Message-ID"
)

// Deps are the collaborators the UI is built from.
type Deps struct {
	Board    *board.Service
	Accounts *auth.Accounts
	Sessions *auth.Sessions
	Gate     *auth.Gate
	Bus      stream.Bus
	Stream   stream.Config
	// Dedupe and Limiter are optional.
	Dedupe  *dedupe.Cache
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
}

// UI serves the board's HTML and SSE routes.
type UI struct {
	board    *board.Service
	accounts *auth.Accounts
	sessions *auth.Sessions
	gate     *auth.Gate
	stream   *stream.Handler
	dedupe   *dedupe.Cache
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	md       goldmark.Markdown
	tmpl     *templates
	logger   *slog.Logger
}

// New builds the UI and parses its templates.
func New(deps Deps, logger *slog.Logger) (*UI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UI{
		board:    deps.Board,
		accounts: deps.Accounts,
		sessions: deps.Sessions,
		gate:     deps.Gate,
		dedupe:   deps.Dedupe,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		md:       newMarkdown(),
		logger:   logger.With("component", "webui"),
	}

	tmpl, err := u.loadTemplates()
	if err != nil {
		return nil, err
	}
	u.tmpl = tmpl
	u.stream = stream.NewHandler(deps.Bus, u, deps.Stream, deps.Metrics, logger)
	return u, nil
}

// RegisterRoutes registers all UI routes on the given mux
func (u *UI) RegisterRoutes(mux *http.ServeMux) {
	// Public routes (no session required)
	u.handleOptional(mux, "GET /{$}", "/", u.handleIndex)
	u.handleOptional(mux, "GET /login", "/login", u.handleLoginPage)
	u.handle(mux, "POST /login", "/login", u.handleLogin)
	u.handle(mux, "POST /register", "/register", u.handleRegister)
	u.handle(mux, "POST /logout", "/logout", u.handleLogout)

	// Protected routes
	u.handleAuthed(mux, "GET /dashboard", "/dashboard", http.HandlerFunc(u.handleDashboard))
	u.handleAuthed(mux, "GET /messages", "/messages", http.HandlerFunc(u.handleMessageIndex))
	u.handleAuthed(mux, "POST /messages", "/messages", http.HandlerFunc(u.handleMessageCreate))
	u.handleAuthed(mux, "GET /messages/{id}", "/messages/{id}", http.HandlerFunc(u.handleMessageShow))
	u.handleAuthed(mux, "GET /messages/{id}/edit", "/messages/{id}/edit", http.HandlerFunc(u.handleMessageEdit))
	u.handleAuthed(mux, "PUT /messages/{id}", "/messages/{id}", http.HandlerFunc(u.handleMessageUpdate))
	u.handleAuthed(mux, "DELETE /messages/{id}", "/messages/{id}", http.HandlerFunc(u.handleMessageDelete))
	u.handleAuthed(mux, "GET /events", "/events", u.stream)
}

func (u *UI) handle(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	mux.Handle(pattern, u.metrics.Middleware(route, u.gate.Protect(h)))
}

// handleOptional attaches the principal when there is one but lets anonymous
// visitors through.
func (u *UI) handleOptional(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	mux.Handle(pattern, u.metrics.Middleware(route, u.gate.Protect(u.sessions.Optional(h))))
}

func (u *UI) handleAuthed(mux *http.ServeMux, pattern, route string, h http.Handler) {
	mux.Handle(pattern, u.metrics.Middleware(route, u.gate.Protect(u.sessions.Require(h))))
}

// isHTMX reports whether the request came from htmx.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// redirect sends htmx clients an HX-Redirect and everyone else a 303.
func redirect(w http.ResponseWriter, r *http.Request, to string) {
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", to)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a response. Validation failures get a JSON body
// naming each field; everything else is plain text.
func (u *UI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, verr.Body())
		return
	}

	status := board.StatusCode(err)
	msg := http.StatusText(status)
	switch status {
	case http.StatusNotFound:
		msg = "Message not found"
	case http.StatusConflict:
		msg = "A message with that title already exists"
	case http.StatusInternalServerError:
		u.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID(r),
			"error", err)
	}
	http.Error(w, msg, status)
}

func requestID(r *http.Request) string {
	if rc := auth.FromContext(r.Context()); rc != nil {
		return rc.RequestID
	}
	return ""
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", r.PathValue("id"))
	}
	return id, nil
}

// clientIP returns the remote host without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
