// Package fault defines the error taxonomy shared across the
// orchestrator. Callers classify with errors.Is against the sentinel
// kinds; layers add context with fmt.Errorf("...: %w", err).
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("no license capacity available")
	ErrPolicyViolation = errors.New("policy violation")
	ErrValidation      = errors.New("validation error")
	ErrUpstream        = errors.New("upstream failure")
)

func NotFoundf(format string, args ...any) error {
	return wrapf(ErrNotFound, format, args...)
}

func Conflictf(format string, args ...any) error {
	return wrapf(ErrConflict, format, args...)
}

func Unavailablef(format string, args ...any) error {
	return wrapf(ErrUnavailable, format, args...)
}

func PolicyViolationf(format string, args ...any) error {
	return wrapf(ErrPolicyViolation, format, args...)
}

func Validationf(format string, args ...any) error {
	return wrapf(ErrValidation, format, args...)
}

// Upstream marks a collaborator call failure while keeping the cause
// in the chain for logging.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the taxonomy sentinel an error belongs to, or nil for
// unclassified errors.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrConflict, ErrUnavailable, ErrPolicyViolation, ErrValidation, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
