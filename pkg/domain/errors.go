package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the engine unwraps to one of these.
var (
	// ErrValidation is returned when a request is malformed and is rejected synchronously.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when an operation conflicts with existing state
	// (e.g. branching an already-branched path).
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a plan, cluster, path or node id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrEngineFault is returned when an internal invariant is violated.
	ErrEngineFault = errors.New("engine fault")

	// ErrConstraintViolated signals that a hard constraint does not hold.
	// It is a normal pruning outcome, not a failure.
	ErrConstraintViolated = errors.New("hard constraint violated")
)

// Cancellation causes attached to a plan worker's context.
var (
	// ErrPlanCancelled is the cause when a caller cancels a plan.
	ErrPlanCancelled = errors.New("plan cancelled")

	// ErrWatchdog is the cause when a plan exceeds its wall-clock budget.
	ErrWatchdog = errors.New("plan exceeded wall-clock budget")

	// ErrLockLost is the cause when the distributed lock of a plan expired
	// under a running job.
	ErrLockLost = errors.New("plan lock lost")
)

// KindError attaches a message to one of the error kinds.
type KindError struct {
	Kind error
	Msg  string
}

func (e *KindError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *KindError) Unwrap() error { return e.Kind }

// NotFoundf builds an ErrNotFound error.
func NotFoundf(format string, args ...any) error {
	return &KindError{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds an ErrConflict error.
func Conflictf(format string, args ...any) error {
	return &KindError{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

// Faultf builds an ErrEngineFault error.
func Faultf(format string, args ...any) error {
	return &KindError{Kind: ErrEngineFault, Msg: fmt.Sprintf(format, args...)}
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field  string // Field name, dotted for nested values
	Reason string // Human-readable reason for failure
	Value  any    // The value that failed validation
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %q: %s (got %v)", e.Field, e.Reason, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string, value any) error {
	return &ValidationError{Field: field, Reason: reason, Value: value}
}

// AggregateError represents multiple validation failures.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func (e *AggregateError) Unwrap() error { return ErrValidation }

// Join returns nil for an empty list, the single error for one, and an AggregateError otherwise.
func Join(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &AggregateError{Errors: errs}
	}
}

// ValidationErrors returns all validation errors if err is an AggregateError.
func ValidationErrors(err error) []error {
	var aggr *AggregateError
	if errors.As(err, &aggr) {
		return aggr.Errors
	}
	return nil
}

// ConstraintViolation reports which hard constraint failed and where.
type ConstraintViolation struct {
	Constraint Predicate
	Step       int
	Value      float64
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("step %d: %s (got %g)", e.Step, e.Constraint, e.Value)
}

func (e *ConstraintViolation) Unwrap() error { return ErrConstraintViolated }
