// Package dlq is the dead-letter sink: messages that exhausted their
// delivery budget land here for operators to inspect.
package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reason says why an entry was dead-lettered.
type Reason string

const (
	// ReasonFeedDeliveryFailure: the relay could not publish a change.
	ReasonFeedDeliveryFailure Reason = "FeedDeliveryFailure"
	// ReasonRedeliveryExhausted: a feed record failed on every redelivery.
	ReasonRedeliveryExhausted Reason = "RedeliveryExhausted"
	// ReasonWorkflowTriggerExpired: a start trigger aged out or ran out of
	// attempts, so no workflow instance was created.
	ReasonWorkflowTriggerExpired Reason = "WorkflowTriggerExpired"
)

// Entry is one dead-lettered message. Payload is kept exactly as it was
// received.
type Entry struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Reason   Reason    `json:"reason"`
	Payload  []byte    `json:"payload"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// NewEntry builds an entry with a fresh id.
func NewEntry(source string, reason Reason, payload []byte, cause error, attempts int) Entry {
	e := Entry{
		ID:       uuid.NewString(),
		Source:   source,
		Reason:   reason,
		Payload:  payload,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// Sink accepts dead-lettered entries.
type Sink interface {
	Push(ctx context.Context, e Entry) error
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	Source string
	Reason Reason
	Limit  int
}

// Store is a Sink that can be queried.
type Store interface {
	Sink
	// List returns entries oldest first.
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
	Count(ctx context.Context) (int, error)
}
