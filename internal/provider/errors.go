package provider

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a failure that may succeed on retry (throttling,
// timeouts, unavailable endpoints).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry
// (invalid attributes, missing permissions).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Only explicitly
// classified errors and per-call deadlines count; everything else is
// treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
