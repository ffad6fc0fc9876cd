package status

import (
	"errors"
	"fmt"
)

// Reason classifies a rejected write.
type Reason string

const (
	ReasonAlreadyActive     Reason = "ALREADY_ACTIVE"
	ReasonNotInDraft        Reason = "NOT_IN_DRAFT"
	ReasonNotFound          Reason = "NOT_FOUND"
	ReasonTokenMismatch     Reason = "TOKEN_MISMATCH"
	ReasonInvalidTransition Reason = "INVALID_TRANSITION"
)

// ErrNotFound matches any rejection with ReasonNotFound.
var ErrNotFound = errors.New("status: record not found")

// Rejection is the typed result of a conditional write whose precondition
// did not hold. It is an expected outcome: log it, do not retry it.
type Rejection struct {
	Reason   Reason
	EntityID string

	// Current is the state observed when the write was rejected, empty
	// when the record does not exist.
	Current LifecycleState
}

func (r *Rejection) Error() string {
	if r.Current == "" {
		return fmt.Sprintf("status: %s rejected for entity %s", r.Reason, r.EntityID)
	}
	return fmt.Sprintf("status: %s rejected for entity %s (current state %s)", r.Reason, r.EntityID, r.Current)
}

func (r *Rejection) Is(target error) bool {
	return target == ErrNotFound && r.Reason == ReasonNotFound
}

// Reject builds a *Rejection.
func Reject(reason Reason, entityID string, current LifecycleState) *Rejection {
	return &Rejection{Reason: reason, EntityID: entityID, Current: current}
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsRejected reports whether err is a rejection with the given reason.
func IsRejected(err error, reason Reason) bool {
	r, ok := AsRejection(err)
	return ok && r.Reason == reason
}

// TransientError marks a failure of the underlying store (unreachable,
// timed out). Callers may retry with backoff; the store never does.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("status: transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a *TransientError unless it is nil or already a
// rejection.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsRejection(err); ok {
		return err
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
