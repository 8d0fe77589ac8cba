package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned by stores when a uniqueness constraint is hit.
var ErrDuplicateKey = errors.New("duplicate key")

// Issue is one field-level validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports a payload or action input that does not conform to
// its schema. It is surfaced to the caller and never retried.
type ValidationError struct {
	SchemaRef string  `json:"schema_ref"`
	Issues    []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", is.Path, is.Message))
	}
	return fmt.Sprintf("payload does not conform to %s: %s", e.SchemaRef, strings.Join(parts, "; "))
}

// DuplicateEventError reports an idempotent re-delivery. It carries the runs
// the original delivery produced; callers treat it as success, not failure.
type DuplicateEventError struct {
	EventID string
	RunIDs  []string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event already processed as %s", e.EventID)
}

// RetryableActionError marks a transient action failure. The invoker retries
// it with backoff; after attempts are exhausted it becomes fatal.
type RetryableActionError struct {
	Err error
}

func (e *RetryableActionError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableActionError) Unwrap() error { return e.Err }

// Retryable wraps an error so the invoker will retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableActionError{Err: err}
}

// FatalActionError marks a business failure that must never be retried. It
// fails the enclosing step and, absent a tryCatch, the run.
type FatalActionError struct {
	Err error
}

func (e *FatalActionError) Error() string { return e.Err.Error() }
func (e *FatalActionError) Unwrap() error { return e.Err }

// Fatal wraps an error so the invoker will not retry it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalActionError{Err: err}
}

// IsRetryable reports whether err is classified transient.
func IsRetryable(err error) bool {
	var r *RetryableActionError
	return errors.As(err, &r)
}

// SchemaContractError blocks a publish: missing trigger schema, missing
// required mapping, missing referenced secret, or a known-vs-known type
// mismatch. It never affects already-published runs.
type SchemaContractError struct {
	Reasons []string
}

func (e *SchemaContractError) Error() string {
	return "contract validation failed: " + strings.Join(e.Reasons, "; ")
}
