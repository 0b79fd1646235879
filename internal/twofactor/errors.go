package twofactor

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid input")
	// ErrInvalidCode is a well-formed code that did not verify.
	ErrInvalidCode = errors.New("invalid code")
	// ErrStateConflict matches every *StateConflictError.
	ErrStateConflict = errors.New("two-factor state conflict")

	ErrProfileNotFound = errors.New("two-factor profile not found")
	// ErrProfileChanged is returned by a Store when the profile left the state
	// the caller observed before the write landed.
	ErrProfileChanged = errors.New("two-factor profile changed concurrently")
	// ErrCodeAlreadyConsumed is returned by a Store when a backup code was
	// consumed between matching and marking it.
	ErrCodeAlreadyConsumed = errors.New("backup code already consumed")
)

type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Problem)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type StateConflictError struct {
	Operation string
	State     State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s while two-factor is %s", e.Operation, e.State)
}

func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}
