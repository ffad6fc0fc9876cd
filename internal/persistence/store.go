package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/pubflow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrTokenNotFound is returned by ClaimWaiting and FindByToken when no
	// instance carries the token.
	ErrTokenNotFound = api.ErrTokenNotFound

	// ErrStaleToken is returned by ClaimWaiting when the instance carrying
	// the token is no longer WAITING.
	ErrStaleToken = api.ErrStaleToken
)

// Persistence is everything the engine stores.
type Persistence struct {
	Workflows WorkflowStore
	Instances InstanceStore
	Events    EventStore
}

// WorkflowStore handles storage of workflow definitions.
//
// Definitions carry step functions and therefore only live in process
// memory; every engine re-registers them on startup.
type WorkflowStore interface {
	SaveWorkflow(def api.WorkflowDefinition) error
	GetWorkflow(name string) (api.WorkflowDefinition, error)
}

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

// InstanceStore handles storage of workflow instances.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// FindByToken returns the instance whose most recent resume token is
	// token, whatever its status.
	FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error)

	// ClaimWaiting atomically moves the instance waiting on token from
	// StatusWaiting to StatusRunning and returns it. Exactly one concurrent
	// caller wins; the others get ErrStaleToken.
	ClaimWaiting(ctx context.Context, token string) (*api.WorkflowInstance, error)
}
