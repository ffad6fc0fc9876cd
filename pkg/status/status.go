// Package status defines the status record kept for every tracked entity
// and the Store contract used to mutate it.
//
// Every mutation is a conditional write against the record's current
// state. Business-rule violations are reported as *Rejection values, never
// as failures of the store itself.
package status

import (
	"context"
	"fmt"
	"time"
)

// LifecycleState is the enumerated status of an entity's record.
type LifecycleState string

const (
	StateDraft     LifecycleState = "DRAFT"
	StateApproved  LifecycleState = "APPROVED"
	StateCancelled LifecycleState = "CANCELLED"
	StateClosed    LifecycleState = "CLOSED"
	StateExpired   LifecycleState = "EXPIRED"
)

// IsInactive reports whether the state ends the entity's current contract,
// allowing the entity to be drafted again.
func (s LifecycleState) IsInactive() bool {
	switch s {
	case StateCancelled, StateClosed, StateExpired:
		return true
	}
	return false
}

func (s LifecycleState) Valid() bool {
	switch s {
	case StateDraft, StateApproved, StateCancelled, StateClosed, StateExpired:
		return true
	}
	return false
}

// ParseLifecycleState parses the upper-case state name.
func ParseLifecycleState(s string) (LifecycleState, error) {
	st := LifecycleState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown lifecycle state %q", s)
	}
	return st, nil
}

// Record is the per-entity status record.
type Record struct {
	EntityID      string
	CorrelationID string
	State         LifecycleState
	Attributes    map[string]string
	CreatedAt     time.Time
	ModifiedAt    time.Time

	// ResumeToken is set while a workflow instance is suspended waiting on
	// this record.
	ResumeToken string
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// Store is the status record access layer.
type Store interface {
	// CreateRecord inserts a DRAFT record. It succeeds when no record
	// exists for entityID or the existing one is inactive; a fresh
	// correlation id is assigned and any stale token is dropped.
	// Otherwise it returns a *Rejection with ReasonAlreadyActive.
	CreateRecord(ctx context.Context, entityID string, attrs map[string]string) (*Record, error)

	// ApproveRecord moves the record from DRAFT to APPROVED.
	// ReasonNotInDraft and ReasonNotFound rejections leave it untouched.
	ApproveRecord(ctx context.Context, entityID string) (*Record, error)

	// AttachResumeToken stores token on the record. Attaching the same
	// token twice is a no-op.
	AttachResumeToken(ctx context.Context, entityID, token string) error

	// DetachResumeToken clears the token if it still equals token;
	// otherwise it returns a *Rejection with ReasonTokenMismatch.
	DetachResumeToken(ctx context.Context, entityID, token string) error

	// GetRecord returns the record and whether it exists.
	GetRecord(ctx context.Context, entityID string) (*Record, bool, error)

	// TransitionRecord moves an active record from one state into an
	// inactive state, for administrative closure or expiry.
	TransitionRecord(ctx context.Context, entityID string, from, to LifecycleState) (*Record, error)
}

// CheckTransition validates the arguments of TransitionRecord.
func CheckTransition(from, to LifecycleState) error {
	if from != StateDraft && from != StateApproved {
		return fmt.Errorf("transition source must be DRAFT or APPROVED, got %q", from)
	}
	if !to.IsInactive() {
		return fmt.Errorf("transition target must be inactive, got %q", to)
	}
	return nil
}
