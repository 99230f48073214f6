// ABOUTME: Error taxonomy for board mutations and its mapping onto HTTP status codes
// ABOUTME: Validation, conflict, not-found and transient store failures are distinguishable with errors.As/Is

package board

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/validation"
)

// ValidationError lists the fields that failed validation.
type ValidationError = validation.Error

// ErrNotFound is returned when the target message does not exist.
var ErrNotFound = store.ErrNotFound

var errUnknownOp = errors.New("unknown operation")

// ConflictError wraps a store uniqueness violation.
type ConflictError struct {
	Op  Op
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransientError wraps any other store failure. Retrying may succeed.
type TransientError struct {
	Op  Op
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// classify maps a store error onto the board taxonomy.
func classify(op Op, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return &ConflictError{Op: op, Err: err}
	default:
		return &TransientError{Op: op, Err: err}
	}
}

// StatusCode returns the HTTP status for err. nil maps to 204.
func StatusCode(err error) int {
	var verr *ValidationError
	var cerr *ConflictError
	switch {
	case err == nil:
		return http.StatusNoContent
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrCSRFMissing), errors.Is(err, auth.ErrCSRFInvalid):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &cerr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
