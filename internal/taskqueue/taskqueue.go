// Package taskqueue holds the tasks that start or resume workflow
// instances asynchronously.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartWorkflow TaskType = "start-workflow"
	TaskTypeResume        TaskType = "resume"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For start-workflow tasks
	WorkflowName string

	// For resume tasks
	Token string

	// Payload is the workflow input for start tasks and the resume payload
	// for resume tasks. Concrete types must be registered with gob.
	Payload any

	// Attempts counts failed deliveries so far.
	Attempts int

	// EnqueuedAt is set once, on first enqueue, and survives redeliveries so
	// the age of the original trigger can be measured.
	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for processing.
	// Zero means immediately.
	NotBefore time.Time
}

// ErrLeaseLost is returned by Ack and Nack when the task is no longer
// leased to the caller, usually because the lease expired and another
// owner picked the task up.
var ErrLeaseLost = errors.New("taskqueue: task not leased by owner")

// Queue is an at-least-once task queue. Dequeue leases a task instead of
// removing it; the task stays stored, invisible to other owners, until it
// is acknowledged, released with Nack, or its lease runs out.
type Queue interface {
	// Enqueue adds a task to the queue.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task to owner for leaseTTL,
	// blocking until one is available or ctx is cancelled. Tasks whose
	// lease expired are eligible again.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a task leased to owner.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack replaces a task leased to owner with t and releases the lease,
	// so t is delivered again from t.NotBefore.
	Nack(ctx context.Context, t Task, owner string) error

	// Len returns the approximate number of tasks stored, leased or not.
	Len() int
}

// prepare fills in the id and timestamps of a task about to be stored.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}
