// Package errs defines the error taxonomy shared by the pipeline: validation,
// not-found, conflict, upstream and store errors, each carrying enough context
// for the caller to decide whether to retry, degrade or surface.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a referenced entity that does not exist. Never
// retried, surfaced as-is.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError for an entity kind and identifier.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a lost optimistic-concurrency race on a document
// write. Retried automatically up to a small bound by the re-evaluator.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict on %s %q", e.Kind, e.ID)
}

// Conflict builds a ConflictError for an entity kind and identifier.
func Conflict(kind, id string) error {
	return &ConflictError{Kind: kind, ID: id}
}

// UpstreamError reports a version or vulnerability source failure. Callers
// degrade to "no update detected" for the affected component instead of
// failing the batch.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps a source failure.
func Upstream(source string, err error) error {
	return &UpstreamError{Source: source, Err: err}
}

// StoreError reports a transient entity-store I/O failure. Retried with
// backoff at the adapter boundary.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps a store I/O failure.
func Store(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var e *UpstreamError
	return errors.As(err, &e)
}

// IsStore reports whether err is a StoreError.
func IsStore(err error) bool {
	var e *StoreError
	return errors.As(err, &e)
}
