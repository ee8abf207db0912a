package session

import (
	"errors"
	"fmt"
)

// Reason classifies why a session failed.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonAuthenticationFailed: the first login was rejected or the
	// endpoint was unreachable.
	ReasonAuthenticationFailed
	// ReasonSpawnFailed: the worker could not be built or never confirmed it
	// was executing.
	ReasonSpawnFailed
	// ReasonTooManyFailures: the consecutive failure budget was exhausted.
	ReasonTooManyFailures
	// ReasonStopTimeout: the worker did not acknowledge a stop in time and
	// was abandoned.
	ReasonStopTimeout
	// ReasonInternalFault: anything unexpected, panics included.
	ReasonInternalFault
)

// String returns a stable identifier suitable for logs and metric labels.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAuthenticationFailed:
		return "authentication_failed"
	case ReasonSpawnFailed:
		return "spawn_failed"
	case ReasonTooManyFailures:
		return "too_many_failures"
	case ReasonStopTimeout:
		return "stop_timeout"
	case ReasonInternalFault:
		return "internal_fault"
	default:
		return "unknown"
	}
}

// FailureError is the error carried by a failed session.
type FailureError struct {
	Reason Reason
	Err    error
}

// NewFailure wraps err with a failure reason.
func NewFailure(reason Reason, err error) *FailureError {
	return &FailureError{Reason: reason, Err: err}
}

// Error implements error.
func (e *FailureError) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *FailureError) Unwrap() error { return e.Err }

// AsFailure returns err as a *FailureError, classifying unknown errors as
// ReasonInternalFault.
func AsFailure(err error) *FailureError {
	var failure *FailureError
	if errors.As(err, &failure) {
		return failure
	}
	return NewFailure(ReasonInternalFault, err)
}
