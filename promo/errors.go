/*
errors.go - Centralized error types for the promo engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver errors into these sentinels so the engine can
  recover locally (skip an exhausted code, skip a duplicate issuance).

ERROR CATEGORIES:
  1. Pool errors     - unknown or exhausted codes
  2. Ledger errors   - uniqueness violations
  3. Roster errors   - slot binding conflicts
  4. Workflow errors - unauthorized callers, invalid state transitions

RECOVERED LOCALLY (never fatal to a period run):
  ErrCodeExhausted, ErrDuplicateIssuance

SEE ALSO:
  - trigger.go: Skips exhausted and duplicate units
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package promo

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCodeNotFound is returned when a referenced code doesn't exist.
	ErrCodeNotFound = errors.New("code not found")

	// ErrCodeExhausted is returned when a code has no remaining budget.
	ErrCodeExhausted = errors.New("code exhausted")

	// ErrDuplicateIssuance is returned when a participant already holds a code.
	ErrDuplicateIssuance = errors.New("code already issued to participant")

	// ErrUnauthorized is returned when the caller lacks operator rights.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTransition is returned when the confirmation state machine
	// cannot move to the requested state.
	ErrInvalidTransition = errors.New("invalid confirmation transition")

	// ErrUnknownRemediation is returned for a remediation hint that isn't offered.
	ErrUnknownRemediation = errors.New("unknown remediation hint")

	ErrSlotNotFound            = errors.New("roster slot not found")
	ErrSlotOccupied            = errors.New("roster slot already bound")
	ErrParticipantAlreadyBound = errors.New("participant already bound in period")

	// ErrConcurrentModification is returned when a compare-and-swap keeps losing.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidPeriod is returned for an empty or malformed period key.
	ErrInvalidPeriod = errors.New("invalid period key")

	// ErrInvalidIssuance is returned when a manual issuance request is malformed.
	ErrInvalidIssuance = errors.New("invalid issuance request")

	// ErrInvalidRoster is returned when a roster violates rank or binding rules.
	ErrInvalidRoster = errors.New("invalid roster")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IssuanceError reports which code failed for which participant.
type IssuanceError struct {
	Participant ParticipantID
	Code        CodeID
	Err         error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("issue %s to %s: %v", e.Code, e.Participant, e.Err)
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}

// TransitionError records a rejected state change.
type TransitionError struct {
	Period PeriodKey
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("period %s: cannot move from %s to %s", e.Period, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidIssuance) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidRoster) ||
		errors.Is(err, ErrUnknownRemediation)
}

// IsConflict returns true if the error reflects state that has moved on.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCodeExhausted) ||
		errors.Is(err, ErrDuplicateIssuance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSlotOccupied) ||
		errors.Is(err, ErrParticipantAlreadyBound) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrSlotNotFound)
}
