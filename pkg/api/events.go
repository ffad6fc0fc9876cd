package api

import "time"

// EventType names an entry in an instance's history.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowWaiting   EventType = "workflow.waiting"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	// EventStepRetrying is recorded once per failed attempt that will be
	// retried; Detail holds the attempt's error.
	EventStepRetrying EventType = "step.retrying"
	// EventStepFailed is recorded when a step has used up its attempts.
	EventStepFailed EventType = "step.failed"
)

// Terminal reports whether no further history follows t.
func (t EventType) Terminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed
}

// WorkflowEvent is one history entry. Detail carries the resume token,
// outcome or error text; payloads are never copied into history.
type WorkflowEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	WorkflowName    string
	WorkflowVersion string
	Step            string
	Detail          string
}
