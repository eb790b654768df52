// Package faults defines the engine error taxonomy. Ingestion and the HTTP
// surface branch on these categories: validation errors are never retried,
// transient errors are retried with backoff, consistency errors are rejected
// and alerted, and not-found maps to 404.
package faults

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups for records that do not exist. Stores wrap it
// with the record identity.
var ErrNotFound = errors.New("not found")

// ErrNotConverged marks a score recomputation that hit its iteration cap
// before stabilizing. The engine keeps serving the last stable snapshot,
// flagged stale, and schedules a retry.
var ErrNotConverged = errors.New("score iteration did not converge")

// ErrDuplicateReward marks a reward insert that collided with the unique
// (beneficiary, source event, generation) key. Callers treat it as "already
// handled", not as a failure.
var ErrDuplicateReward = errors.New("reward already recorded")

// ValidationError marks malformed input rejected at ingestion.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validation builds a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransientError wraps a failure that is expected to succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ConsistencyError marks state that should be structurally impossible, such
// as a referral cycle. It is rejected and surfaced, never silently repaired.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string { return e.Reason }

// Consistency builds a ConsistencyError from a format string.
func Consistency(format string, args ...any) error {
	return &ConsistencyError{Reason: fmt.Sprintf(format, args...)}
}

// IsConsistency reports whether err is a ConsistencyError.
func IsConsistency(err error) bool {
	var c *ConsistencyError
	return errors.As(err, &c)
}
