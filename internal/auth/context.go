// ABOUTME: Request context for carrying security gate results through handlers
// ABOUTME: Provides WithRequest/FromContext for the request ID, CSRF token and principal

package auth

import (
	"context"
)

// Principal is the authenticated user behind a request.
type Principal struct {
	UserID    string
	Name      string
	SessionID string
}

// RequestContext holds what the security gate learned about a request.
// The gate attaches it before any handler runs; handlers read it instead of
// re-deriving tokens or identity.
type RequestContext struct {
	RequestID string
	CSRFToken string     // token issued for this response, embedded in rendered forms
	Principal *Principal // nil when no valid session
}

// Authenticated reports whether a principal is present.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.Principal != nil
}

// requestContextKey is the key type for storing RequestContext in context.Context.
type requestContextKey struct{}

// WithRequest returns a new context with the RequestContext attached.
func WithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext retrieves the RequestContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// MustFromContext retrieves the RequestContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *RequestContext {
	rc := FromContext(ctx)
	if rc == nil {
		panic("auth: RequestContext not found in context")
	}
	return rc
}

// PrincipalFromContext returns the authenticated principal or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	rc := FromContext(ctx)
	if rc == nil {
		return nil
	}
	return rc.Principal
}

// CSRFTokenFromContext returns the token issued for the current response.
func CSRFTokenFromContext(ctx context.Context) string {
	rc := FromContext(ctx)
	if rc == nil {
		return ""
	}
	return rc.CSRFToken
}

// withPrincipal returns ctx carrying a copy of its RequestContext with p set.
func withPrincipal(ctx context.Context, p *Principal) context.Context {
	next := RequestContext{}
	if rc := FromContext(ctx); rc != nil {
		next = *rc
	}
	next.Principal = p
	return WithRequest(ctx, &next)
}
