package models

import (
	"errors"
	"fmt"
	"strings"
)

var ErrRecordNotFound = errors.New("record not found")

// ValidationError is returned before any mutation when the caller's input
// cannot be applied. Fixing the input and retrying is safe.
type ValidationError struct {
	Problems []string
}

func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// StaleReferenceError means the referenced row is gone or in a terminal state.
type StaleReferenceError struct {
	Resource string
	Id       int
	Reason   string
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale reference to %s %d: %s", e.Resource, e.Id, e.Reason)
}

// ConflictError means a concurrent writer won; re-fetch and retry.
type ConflictError struct {
	Resource string
	Id       int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %d was modified concurrently", e.Resource, e.Id)
}

// IntegrityError wraps storage failures that abort the surrounding
// transaction, such as a failed audit write.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure during %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func staleEntry(id int, reason string) error {
	return &StaleReferenceError{Resource: "ledger entry", Id: id, Reason: reason}
}

func staleTransaction(id int, reason string) error {
	return &StaleReferenceError{Resource: "transaction", Id: id, Reason: reason}
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsStaleReferenceError(err error) bool {
	var v *StaleReferenceError
	return errors.As(err, &v)
}

func IsConflictError(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

func IsIntegrityError(err error) bool {
	var v *IntegrityError
	return errors.As(err, &v)
}
