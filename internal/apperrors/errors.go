// Package apperrors defines the error classes surfaced by the alert
// engine. Callers classify with errors.Is; services wrap with %w to
// attach context.
package apperrors

import "errors"

var (
	// ErrNotFound indicates an alert, group, schedule or policy that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a state-machine rule violation.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrValidation indicates malformed input, e.g. an unknown severity.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a lost concurrent-write race. Mutating
	// operations retry once internally before surfacing it.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrTransport indicates a notification dispatch failure. It is
	// recorded and logged, never fatal to the engine.
	ErrTransport = errors.New("notification transport failed")
)
