// Package resilience defines the batch jobs' error taxonomy and retry policy.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error classes used in run summaries and audit records.
const (
	ClassValidation = "validation"
	ClassConflict   = "conflict"
	ClassIntegrity  = "integrity"
	ClassTransient  = "transient"
	ClassInternal   = "internal"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// ValidationError marks a malformed input record. It is recorded and the
// record skipped; it never fails a batch.
type ValidationError struct {
	Reason string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Reason + " (" + e.Value + ")"
}

// ConflictError marks a stale timestamp or a unique-constraint violation.
// The record's unit of work is rolled back; the batch continues.
type ConflictError struct {
	Constraint string
	Reason     string
	Err        error
}

func (e *ConflictError) Error() string {
	msg := "conflict: " + e.Reason
	if e.Constraint != "" {
		msg += " [" + e.Constraint + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IntegrityError marks a run that cannot proceed on the data it has, such as
// a diff with fewer than two snapshots. Fatal for that run only.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "integrity: " + e.Reason
}

// TransientError wraps an error that is safe to retry (store unreachable,
// connection reset, timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common connection failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"database is locked",
		"too many connections",
		"the database system is starting up",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// AsConflict converts unique-constraint violations from either store driver
// into a ConflictError. Other errors are returned unchanged.
func AsConflict(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &ConflictError{Constraint: pgErr.ConstraintName, Reason: "unique violation", Err: err}
	}

	msg := err.Error()
	if i := strings.Index(msg, "UNIQUE constraint failed: "); i >= 0 {
		constraint := strings.TrimSpace(msg[i+len("UNIQUE constraint failed: "):])
		if j := strings.IndexAny(constraint, " )"); j >= 0 {
			constraint = constraint[:j]
		}
		return &ConflictError{Constraint: constraint, Reason: "unique violation", Err: err}
	}
	return err
}

// Classify maps err onto an error class.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	var ce *ConflictError
	var ie *IntegrityError
	switch {
	case errors.As(err, &ve):
		return ClassValidation
	case errors.As(err, &ce):
		return ClassConflict
	case errors.As(err, &ie):
		return ClassIntegrity
	case errors.As(AsConflict(err), &ce):
		return ClassConflict
	case IsTransient(err):
		return ClassTransient
	}
	return ClassInternal
}

// ConstraintName returns the constraint named by a conflict, if any.
func ConstraintName(err error) string {
	var ce *ConflictError
	if errors.As(AsConflict(err), &ce) {
		return ce.Constraint
	}
	return ""
}
