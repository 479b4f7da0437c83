package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies the failure of a cycle.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = "none"
	ErrorKindVendor      ErrorKind = "vendor"
	ErrorKindCircuitOpen ErrorKind = "circuit_open"
	ErrorKindPersist     ErrorKind = "persist"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindConfig      ErrorKind = "config"
	ErrorKindAborted     ErrorKind = "aborted"
)

// ErrCircuitOpen is matched by every CircuitOpenError through errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrAborted marks a cycle abandoned because its context was cancelled or the
// runtime shut down before it completed.
var ErrAborted = errors.New("cycle aborted")

// VendorError wraps a failed or timed-out fetch.
type VendorError struct {
	Err     error
	Timeout bool
}

func (e *VendorError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("vendor fetch timed out: %v", e.Err)
	}
	return fmt.Sprintf("vendor fetch failed: %v", e.Err)
}

func (e *VendorError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a call was deliberately skipped because
// the breaker is open (or a half-open trial is already in flight).
type CircuitOpenError struct {
	OpenedAt time.Time
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return ErrCircuitOpen.Error()
	}
	return fmt.Sprintf("%s until %s", ErrCircuitOpen.Error(), e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// PersistError wraps a failed store write.
type PersistError struct {
	Err       error
	Persisted int
	Expected  int
}

func (e *PersistError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("persist incomplete: %d of %d records written", e.Persisted, e.Expected)
	}
	return fmt.Sprintf("persist failed: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ValidationError reports a batch scored below the quality floor.
type ValidationError struct {
	Score      float64
	Floor      float64
	Violations int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch quality %.3f below floor %.3f (%d violations)", e.Score, e.Floor, e.Violations)
}

// ConfigError reports an invalid configuration value. It is fatal at
// construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// KindOf maps an error to its ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var (
		vendorErr     *VendorError
		persistErr    *PersistError
		validationErr *ValidationError
		configErr     *ConfigError
	)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorKindCircuitOpen
	case errors.As(err, &configErr):
		return ErrorKindConfig
	case errors.As(err, &validationErr):
		return ErrorKindValidation
	case errors.As(err, &persistErr):
		return ErrorKindPersist
	case errors.As(err, &vendorErr):
		return ErrorKindVendor
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return ErrorKindAborted
	default:
		return ErrorKindVendor
	}
}
