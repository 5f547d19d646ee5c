// Package resilience classifies pipeline errors and retries the ones that
// are expected under concurrency.
package resilience

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ValidationError signals bad input to a contract, e.g. an unknown record id.
// Validation errors are never retried and surface immediately.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CollaboratorError wraps a failure from an external capability
// (classification, conversion, extraction, lookup). It is recorded on the
// unit as a FAILED terminal state; the core does not retry it.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// NewCollaboratorError wraps err as a collaborator failure for the named
// operation.
func NewCollaboratorError(op string, err error) error {
	return &CollaboratorError{Op: op, Err: err}
}

// IsCollaborator reports whether err is (or wraps) a CollaboratorError.
func IsCollaborator(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}

// ConflictError wraps a concurrent-write race on an attribute key or a
// matching key. Conflicts are expected under concurrency and are retried
// internally a bounded number of times before surfacing.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return e.Err.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewConflictError wraps err as a write conflict.
func NewConflictError(err error) error {
	return &ConflictError{Err: err}
}

// Postgres SQLSTATE codes that indicate a retryable write race.
var conflictPgCodes = map[string]bool{
	"23505": true, // unique_violation
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// IsConflict reports whether err is a write conflict: an explicit
// ConflictError, a Postgres unique/serialization failure, or the SQLite
// single-writer equivalents.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictPgCodes[pgErr.Code] {
		return true
	}

	msg := err.Error()
	for _, p := range []string{
		"UNIQUE constraint failed",
		"database is locked",
		"database table is locked",
		"SQLITE_BUSY",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
