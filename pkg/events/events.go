// Package events defines the domain events exchanged with other services
// and the envelope they travel in.
package events

import (
	"time"

	"github.com/petrijr/pubflow/pkg/status"
)

// Event type names.
const (
	TypeStatusChanged       = "StatusChanged"
	TypeApprovalRequested   = "ApprovalRequested"
	TypeEvaluationCompleted = "EvaluationCompleted"
)

// Event is a domain event.
type Event interface {
	// EventType is the envelope type name.
	EventType() string
	// Key groups events that must stay ordered, usually the entity id.
	Key() string
}

// Identified is implemented by events that carry a deterministic id, so
// consumers can drop duplicates.
type Identified interface {
	EventID() string
}

// StatusChanged is emitted by the change relay for lifecycle transitions
// on its allow-list.
type StatusChanged struct {
	EntityID       string                `json:"entity_id"`
	CorrelationID  string                `json:"correlation_id"`
	LifecycleState status.LifecycleState `json:"lifecycle_state"`
	ModifiedAt     time.Time             `json:"modified_at"`

	// Sequence of the change record this event was derived from.
	Sequence string `json:"sequence,omitempty"`
}

func (StatusChanged) EventType() string { return TypeStatusChanged }
func (e StatusChanged) Key() string     { return e.EntityID }

// EventID is stable across feed redeliveries of the same change.
func (e StatusChanged) EventID() string {
	if e.Sequence == "" {
		return ""
	}
	return e.EntityID + ":" + e.Sequence
}

// ApprovalRequested asks the orchestrator to start evaluating an entity.
type ApprovalRequested struct {
	EntityID      string            `json:"entity_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	RequestedAt   time.Time         `json:"requested_at"`
}

func (ApprovalRequested) EventType() string { return TypeApprovalRequested }
func (e ApprovalRequested) Key() string     { return e.EntityID }

// Result of a content evaluation.
type Result string

const (
	ResultPass Result = "PASS"
	ResultFail Result = "FAIL"
)

// EvaluationCompleted is emitted once per workflow instance when it
// reaches a terminal step.
type EvaluationCompleted struct {
	EntityID   string `json:"entity_id"`
	InstanceID string `json:"instance_id"`
	Result     Result `json:"result"`
	Reason     string `json:"reason,omitempty"`
}

func (EvaluationCompleted) EventType() string { return TypeEvaluationCompleted }
func (e EvaluationCompleted) Key() string     { return e.EntityID }
func (e EvaluationCompleted) EventID() string { return e.InstanceID + ":evaluation" }
