// Package gate wraps calls to external collaborators with a circuit breaker,
// bounded retry with exponential backoff, and a per-attempt timeout.
//
// Import Path: sagaflow.io/sagaflow/internal/gate
package gate

import (
	"context"
	"errors"
)

// Failure classes returned by Execute. Callers match with errors.Is.
var (
	// ErrCollaboratorUnavailable is returned when retries are exhausted or the circuit is open.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrTimeout marks an attempt that exceeded its deadline.
	ErrTimeout = errors.New("collaborator call timed out")
	// ErrCircuitOpen is returned without contacting the collaborator.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRejected marks a business-rule rejection. Never retried, never counted as a breaker failure.
	ErrRejected = errors.New("collaborator rejected request")
)

// Class is the failure class of a collaborator error.
type Class int

const (
	ClassNone Class = iota
	ClassUnavailable
	ClassTimeout
	ClassRejected
	ClassCircuitOpen
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "success"
	case ClassUnavailable:
		return "unavailable"
	case ClassTimeout:
		return "timeout"
	case ClassRejected:
		return "rejected"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify maps an error onto a failure class. Unknown errors are unavailable.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrRejected):
		return ClassRejected
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		return ClassUnavailable
	}
}

// Transient reports whether the class may be retried.
func (c Class) Transient() bool {
	return c == ClassUnavailable || c == ClassTimeout
}
