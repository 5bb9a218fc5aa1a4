/*
errors.go - Centralized error types for the meter engine

PURPOSE:
  All core error kinds in one place. The transport layer maps these to HTTP
  status codes; the core returns them as values and never panics.

ERROR CATEGORIES:
  1. Lookup errors     - Missing or non-owned cycles/readings
  2. Conflict errors   - Duplicate (date, time) within a cycle
  3. Validation errors - Monotonicity or field violations, with a
                         human-readable reason

USAGE:
  if meter.IsValidation(err) {
      // 422 with the reason
  }

SEE ALSO:
  - engine.go:  Produces ValidationError
  - service.go: Produces lookup and conflict errors
  - api/respond.go: Status-code mapping
*/
package meter

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCycleNotFound is returned when a billing cycle is absent. Ownership-
	// scoped lookups also return this for cycles owned by another user, so
	// existence never leaks through lookups.
	ErrCycleNotFound = errors.New("billing cycle not found")

	// ErrReadingNotFound is returned when a reading is absent or not owned.
	ErrReadingNotFound = errors.New("daily reading not found")

	// ErrForbidden is returned when a write targets a cycle owned by another
	// user. The transport responds with the same generic message as a
	// not-found so the response body leaks nothing.
	ErrForbidden = errors.New("not allowed")

	// ErrDuplicateReading is returned when a reading already exists at the
	// same (date, time) within the cycle.
	ErrDuplicateReading = errors.New("duplicate reading")

	// ErrNoActiveCycle is returned by operations that need the caller's
	// active cycle when none exists.
	ErrNoActiveCycle = errors.New("no active billing cycle")

	// ErrUnexpected wraps storage/infra failures surfacing out of the core.
	ErrUnexpected = errors.New("unexpected error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is a business-rule violation with a human-readable reason,
// suitable for direct display in a form or API message.
type ValidationError struct {
	Field   string // offending field, e.g. "reading_value"
	Message string
}

// Error returns the bare message; it is shown to end users verbatim.
func (e *ValidationError) Error() string {
	return e.Message
}

// DuplicateReadingError reports the colliding (date, time) slot.
type DuplicateReadingError struct {
	CycleID CycleID
	At      Stamp
}

func (e *DuplicateReadingError) Error() string {
	return fmt.Sprintf("a reading already exists for %s at %s",
		e.At.DateString(), e.At.ClockString())
}

func (e *DuplicateReadingError) Unwrap() error {
	return ErrDuplicateReading
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err indicates a missing (or non-owned) entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCycleNotFound) ||
		errors.Is(err, ErrReadingNotFound) ||
		errors.Is(err, ErrNoActiveCycle)
}

// IsConflict reports whether err is a duplicate (date, time) collision.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateReading)
}

// IsValidation reports whether err carries a displayable validation reason.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsForbidden reports whether err is an ownership violation.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}
