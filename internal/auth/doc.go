// Package auth is the security gate every request passes before a handler runs.
//
// # Request Pipeline
//
// Two middlewares wrap the board's routes, outermost first:
//
//	gate.Protect(sessions.Require(handler))
//
//   - Gate.Protect issues a CSRF token on safe methods (GET, HEAD, OPTIONS,
//     TRACE) and verifies one on unsafe methods (POST, PUT, PATCH, DELETE).
//     A missing or invalid token ends the request with 403.
//
//   - Sessions.Require resolves the session cookie to a Principal. Without
//     one, htmx and unsafe requests get 401 and page loads are redirected to
//     the login page.
//
// Results travel on a RequestContext attached to the request context:
//
//	rc := auth.FromContext(r.Context())
//	rc.CSRFToken // rendered into hx-headers
//	rc.Principal // nil for anonymous requests
//
// # CSRF Tokens
//
// Tokens are HS256 JWTs whose subject is the browser's anti-forgery cookie.
// The signing secret rotates on a timer; tokens signed with the previous
// secret stay valid until the following rotation.
//
// # Sessions
//
// Sessions expire after a period of inactivity (one day by default). Each
// authenticated request moves the expiry forward. Sessions live either in the
// SQLite store or in MemorySessionStore.
package auth
