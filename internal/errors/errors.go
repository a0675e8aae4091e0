// Package errors provides consolidated error definitions for qmeasure.
//
// Three error classes cover the failure modes of a measurement run:
//
//   - validation errors: a registration call was malformed (unknown reference,
//     dependency cycle, bad input kind). Raised synchronously at the call site.
//   - shape errors: a submitted result is incomplete or its values do not
//     reconcile to a common shape. The whole submission is rejected.
//   - structural errors: numeric- and array-typed parameters were mixed in a
//     way that makes row reconciliation ill-defined. This signals a contract
//     violation in how the measurement was set up, not bad data.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Validation errors (registration time)
	ErrValidation         = errors.New("validation failed")
	ErrNotParameter       = errors.New("input does not resolve to a parameter")
	ErrUnknownReference   = errors.New("reference to unregistered parameter")
	ErrCycle              = errors.New("dependency cycle")
	ErrInUse              = errors.New("parameter is a dependency of another parameter")
	ErrInvalidState       = errors.New("operation not allowed in this session state")
	ErrInvalidWritePeriod = errors.New("invalid write period")
	ErrInvalidActionArgs  = errors.New("action side data is not a mutable sequence")

	// Shape errors (add-result time)
	ErrShapeMismatch         = errors.New("shape mismatch")
	ErrIncompleteResult      = errors.New("incomplete result")
	ErrUnregisteredParameter = errors.New("no such parameter registered in this measurement")
	ErrUncoercible           = errors.New("value has no array shape semantics")

	// Structural errors (add-result time, distinct from shape errors)
	ErrStructuralType = errors.New("mixing array and numeric storage types")

	// Storage errors
	ErrRunNotFound   = errors.New("run not found")
	ErrBackendClosed = errors.New("storage backend is closed")
	ErrFlushFailed   = errors.New("flush failed")
	ErrSessionClosed = errors.New("session is closed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// ============================================================================
// Category helpers
// ============================================================================

// IsValidation returns true if err belongs to the validation class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotParameter) ||
		errors.Is(err, ErrUnknownReference) ||
		errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrInUse) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidWritePeriod) ||
		errors.Is(err, ErrInvalidActionArgs)
}

// IsShape returns true if err belongs to the shape class.
func IsShape(err error) bool {
	return errors.Is(err, ErrShapeMismatch) ||
		errors.Is(err, ErrIncompleteResult) ||
		errors.Is(err, ErrUnregisteredParameter) ||
		errors.Is(err, ErrUncoercible)
}

// IsStructural returns true if err belongs to the structural class.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructuralType)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Constructors with context
// ============================================================================

// NewNotParameter creates a validation error for an input that is not
// parameter-like.
func NewNotParameter(input interface{}) error {
	return fmt.Errorf("%v (%T): %w", input, input, ErrNotParameter)
}

// NewUnknownReference creates a validation error for a setpoint or basis
// reference that is not registered.
func NewUnknownReference(name string) error {
	return fmt.Errorf("'%s': %w", name, ErrUnknownReference)
}

// NewInUse creates a validation error for unregistering a parameter that
// others still depend on.
func NewInUse(name string, dependents []string) error {
	return fmt.Errorf("cannot unregister '%s', it is used by %v: %w",
		name, dependents, ErrInUse)
}

// NewUnregistered creates a shape error for a result submitted under an
// unregistered name.
func NewUnregistered(name string) error {
	return fmt.Errorf("cannot add a result for %s: %w", name, ErrUnregisteredParameter)
}

// NewIncomplete creates a shape error naming the missing setpoints and the
// parameters that were given.
func NewIncomplete(target string, missing, given []string) error {
	return fmt.Errorf("cannot add this result; missing setpoint values for %s: %v, values only given for %v: %w",
		target, missing, given, ErrIncompleteResult)
}
