package api

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownWorkflow is returned when starting a workflow that was never registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInstanceNotFound is returned when an instance id does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrTokenNotFound is returned by ResumeWorkflow when no instance ever
	// suspended with the given token.
	ErrTokenNotFound = errors.New("resume token not found")

	// ErrStaleToken is returned by ResumeWorkflow when the instance that
	// minted the token is no longer waiting on it (already resumed,
	// completed or failed).
	ErrStaleToken = errors.New("resume token is stale")
)

// IsHandledResumeError reports whether err is an expected outcome of a late
// or duplicate resumption rather than a failure of the engine.
func IsHandledResumeError(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrStaleToken)
}

// Engine is the high-level engine API.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// Start creates an instance and runs it until it suspends or reaches a
	// terminal step. A suspended instance is returned with StatusWaiting
	// and a nil error.
	Start(ctx context.Context, name string, input any) (*WorkflowInstance, error)

	// ResumeWorkflow resumes the instance suspended with token, handing
	// payload to the waiting step. Exactly one caller wins for a given
	// token; the others get ErrStaleToken. Unknown tokens yield
	// ErrTokenNotFound.
	ResumeWorkflow(ctx context.Context, token string, payload any) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// FindByToken looks up the instance that minted token.
	FindByToken(ctx context.Context, token string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// RecoverStuckInstances scans for instances left StatusRunning, for
	// example by a process crash, whose last update is older than
	// olderThan (zero selects all of them). An instance that was claimed
	// by ResumeWorkflow but had not finished the step it suspended in goes
	// back to StatusWaiting on the same token, so a redelivered resume can
	// claim it again. Any other one is marked StatusFailed.
	//
	// olderThan must exceed the longest step, retries included, when other
	// processes may still be running the instances.
	RecoverStuckInstances(ctx context.Context, olderThan time.Duration) (int, error)
}

// HistoryReader allows reading an instance's event history.
type HistoryReader interface {
	// ListEvents returns all events for an instance in chronological order.
	ListEvents(ctx context.Context, instanceID string) ([]WorkflowEvent, error)
}
