/*
errors.go - Centralized error types for the deliverable engine

PURPOSE:
  All error kinds in one place so callers can tell "forbidden" from
  "invalid input" from "try again". Each structured error unwraps to a
  sentinel, so callers only need errors.Is().

ERROR KINDS:
  ConfigurationError  Contract dates inconsistent; nothing generated
  StateConflictError  Illegal transition, or a concurrent writer won the race
  AuthorizationError  Permission gate denied the principal
  ValidationError     Payload invariant failed (missing reason, negative amount)
  DependencyError     Payment linker or downstream call failed; transition rolled back

PROPAGATION:
  The engine never partially commits. Any error inside a transition aborts
  the whole store transaction and is returned unchanged to the caller.

SEE ALSO:
  - deliverable.go: Raises these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrConfiguration = errors.New("configuration error")
	ErrStateConflict = errors.New("state conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrValidation    = errors.New("validation error")
	ErrDependency    = errors.New("dependency error")

	// ErrNotFound is returned when a referenced deliverable, contract or payment doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned by stores when a versioned update
	// finds the row already changed. The engine converts it to a StateConflictError.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicatePeriod is returned by stores when (contract, period number) already exists.
	ErrDuplicatePeriod = errors.New("duplicate period number for contract")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError reports an unusable contract configuration.
type ConfigurationError struct {
	ContractID ContractID
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("contract %s: %s", e.ContractID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// StateConflictError reports a transition the current state does not allow,
// or a write that lost a race against another writer.
type StateConflictError struct {
	DeliverableID DeliverableID
	Current       Status
	Action        Action
	Reason        string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("deliverable %s: cannot %s from %s: %s", e.DeliverableID, e.Action, e.Current, e.Reason)
	}
	return fmt.Sprintf("deliverable %s: cannot %s from %s", e.DeliverableID, e.Action, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// AuthorizationError reports a permission gate denial.
type AuthorizationError struct {
	PrincipalID PrincipalID
	Module      Module
	Class       ActionClass
	CompanyID   CompanyID
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("principal %q may not %s on %s for company %s",
		e.PrincipalID, e.Class, e.Module, e.CompanyID)
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

// ValidationError reports a malformed payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DependencyError reports a failed collaborator call (payment creation, store).
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DependencyError) Unwrap() []error { return []error{ErrDependency, e.Err} }

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDependency) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrConfiguration)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
