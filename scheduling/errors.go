/*
errors.go - Centralized error types for the scheduling engine

ERROR CATEGORIES:
  1. Validation - bad input, rejected before any mutation
  2. Capacity   - authorization cannot cover the units; callers usually
                  turn this into a warning and carry on
  3. Lifecycle  - requested transition is not reachable
  4. Storage    - optimistic-concurrency conflicts and backend failures

USAGE:
  if errors.Is(err, scheduling.ErrCapacityExceeded) {
      var capErr *scheduling.CapacityError
      errors.As(err, &capErr)
      ...
  }

SEE ALSO:
  - ledger.go, generation.go, visit.go: produce these errors
  - api/handlers.go: maps them to HTTP statuses
*/
package scheduling

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrCapacityExceeded means the authorization has fewer available units
	// than requested. Non-fatal for generation and check-out.
	ErrCapacityExceeded = errors.New("authorization capacity exceeded")

	// ErrOutsideAuthorizationWindow means the service date is not covered
	// by the authorization's validity window.
	ErrOutsideAuthorizationWindow = errors.New("date outside authorization window")

	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification is returned when a version check fails.
	// Reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStorageUnavailable wraps backend failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDuplicate is returned by stores when a uniqueness constraint
	// rejects a write (template slot already generated for a date, visit
	// record already exists for an event).
	ErrDuplicate = errors.New("duplicate record")

	ErrTemplateNotFound      = errors.New("template not found")
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrEventNotFound         = errors.New("schedule event not found")
	ErrVisitNotFound         = errors.New("visit record not found")

	// ErrLedgerDrift is returned by Ledger.Verify when the stored used
	// units disagree with the unit entries.
	ErrLedgerDrift = errors.New("ledger drift detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapacityError details an over-allocation attempt.
type CapacityError struct {
	AuthorizationID AuthorizationID
	Available       int
	Requested       int
}

func (e *CapacityError) Shortfall() int { return e.Requested - e.Available }

func (e *CapacityError) Error() string {
	return fmt.Sprintf("authorization %s: available %d, requested %d, shortfall %d",
		e.AuthorizationID, e.Available, e.Requested, e.Shortfall())
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// InvalidTransitionError reports an action that is not reachable from the
// event's current state. The event is left unchanged.
type InvalidTransitionError struct {
	EventID EventID
	From    EventStatus
	Action  Action
	Detail  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("event %s: cannot %s from %s", e.EventID, e.Action, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DriftError is returned by Ledger.Verify.
type DriftError struct {
	AuthorizationID AuthorizationID
	Stored          int
	Replayed        int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("authorization %s: stored used units %d, ledger replay %d",
		e.AuthorizationID, e.Stored, e.Replayed)
}

func (e *DriftError) Unwrap() error { return ErrLedgerDrift }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrOutsideAuthorizationWindow)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrAuthorizationNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrVisitNotFound)
}
