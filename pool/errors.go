/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer maps these onto status codes; nothing in this package
  knows about HTTP.

ERROR CATEGORIES:
  1. Validation errors  - malformed input (non-positive hours, bad ids)
  2. Not-found errors   - unknown resource / group / booking
  3. Conflict errors    - resource already booked
  4. Authorization      - holder mismatch on renew/cancel
  5. IO errors          - persistence failures (transient)

USAGE:
  Callers classify with errors.Is or the helpers:

    if pool.IsConflict(err) {
        // 409
    }

SEE ALSO:
  - lifecycle.go: Produces most of these
  - gateway.go: Wraps persistence failures in ErrIO
*/
package pool

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input, e.g. non-positive hours.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound is returned when a resource, group or booking doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when book is attempted on a booked resource,
	// or when a unique name is already taken.
	ErrConflict = errors.New("conflict")

	// ErrAuthorization is returned on holder mismatch for renew/cancel.
	ErrAuthorization = errors.New("not authorized")

	// ErrIO is returned when the persistence collaborator fails. The
	// in-memory state is rolled back; the caller may retry.
	ErrIO = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "resource", "group", "booking"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AlreadyBookedError reports a failed book on a held resource.
type AlreadyBookedError struct {
	ResourceID string
	Holder     string
}

func (e *AlreadyBookedError) Error() string {
	return fmt.Sprintf("resource %q is already booked by %s", e.ResourceID, e.Holder)
}

func (e *AlreadyBookedError) Unwrap() error { return ErrConflict }

// HolderMismatchError reports a renew/cancel by somebody else's booking.
type HolderMismatchError struct {
	ResourceID string
	Holder     string
	Requester  string
}

func (e *HolderMismatchError) Error() string {
	return fmt.Sprintf("resource %q is booked by another holder", e.ResourceID)
}

func (e *HolderMismatchError) Unwrap() error { return ErrAuthorization }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsAuthorization(err error) bool { return errors.Is(err, ErrAuthorization) }
func IsIO(err error) bool            { return errors.Is(err, ErrIO) }

// IsClientError returns true if the error is the caller's fault and a
// retry with the same input will not succeed.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err) || IsAuthorization(err)
}
