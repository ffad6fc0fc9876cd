// Package statusstore implements status.Store on top of memory, SQL and
// Redis. Each backend writes the record and appends the matching change
// record to its change log in one atomic unit, and exposes that log as a
// changefeed.Feed.
package statusstore

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

// Options shared by all backends.
type Options struct {
	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
	// NewID mints correlation ids. Defaults to uuid.NewString.
	NewID func() string
	// Shards is the number of feed shards entities are spread over.
	Shards int
}

// Option mutates Options.
type Option func(*Options)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Options) { o.NewID = fn }
}

// WithShards sets the number of feed shards.
func WithShards(n int) Option {
	return func(o *Options) { o.Shards = n }
}

func buildOptions(opts []Option) Options {
	o := Options{
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
		Shards: 4,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Shards <= 0 {
		o.Shards = 1
	}
	return o
}

var errEmptyToken = errors.New("statusstore: resume token must not be empty")

// mutation is the outcome of applying a rule to the current record.
// A nil next with a nil error means nothing changes.
type mutation struct {
	prev *status.Record
	next *status.Record
}

func (m mutation) change(at time.Time) changefeed.ChangeRecord {
	kind := changefeed.KindModify
	if m.prev == nil {
		kind = changefeed.KindInsert
	}
	return changefeed.ChangeRecord{
		Kind:        kind,
		EntityID:    m.next.EntityID,
		OldImage:    changefeed.ImageOf(m.prev),
		NewImage:    changefeed.ImageOf(m.next),
		CommittedAt: at,
	}
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func applyCreate(prev *status.Record, entityID string, attrs map[string]string, o Options) (mutation, error) {
	if prev != nil && !prev.State.IsInactive() {
		return mutation{}, status.Reject(status.ReasonAlreadyActive, entityID, prev.State)
	}
	now := o.Now()
	return mutation{prev: prev, next: &status.Record{
		EntityID:      entityID,
		CorrelationID: o.NewID(),
		State:         status.StateDraft,
		Attributes:    copyAttrs(attrs),
		CreatedAt:     now,
		ModifiedAt:    now,
	}}, nil
}

func applyApprove(prev *status.Record, entityID string, o Options) (mutation, error) {
	if prev == nil {
		return mutation{}, status.Reject(status.ReasonNotFound, entityID, "")
	}
	if prev.State != status.StateDraft {
		return mutation{}, status.Reject(status.ReasonNotInDraft, entityID, prev.State)
	}
	next := prev.Clone()
	next.State = status.StateApproved
	next.ModifiedAt = o.Now()
	return mutation{prev: prev, next: next}, nil
}

func applyTransition(prev *status.Record, entityID string, from, to status.LifecycleState, o Options) (mutation, error) {
	if err := status.CheckTransition(from, to); err != nil {
		return mutation{}, err
	}
	if prev == nil {
		return mutation{}, status.Reject(status.ReasonNotFound, entityID, "")
	}
	if prev.State != from {
		return mutation{}, status.Reject(status.ReasonInvalidTransition, entityID, prev.State)
	}
	next := prev.Clone()
	next.State = to
	next.ModifiedAt = o.Now()
	return mutation{prev: prev, next: next}, nil
}

// Token writes leave ModifiedAt alone: it tracks lifecycle changes only.

func applyAttach(prev *status.Record, entityID, token string) (mutation, error) {
	if token == "" {
		return mutation{}, errEmptyToken
	}
	if prev == nil {
		return mutation{}, status.Reject(status.ReasonNotFound, entityID, "")
	}
	if prev.ResumeToken == token {
		return mutation{}, nil
	}
	next := prev.Clone()
	next.ResumeToken = token
	return mutation{prev: prev, next: next}, nil
}

func applyDetach(prev *status.Record, entityID, token string) (mutation, error) {
	if token == "" {
		return mutation{}, errEmptyToken
	}
	if prev == nil {
		return mutation{}, status.Reject(status.ReasonNotFound, entityID, "")
	}
	if prev.ResumeToken != token {
		return mutation{}, status.Reject(status.ReasonTokenMismatch, entityID, prev.State)
	}
	next := prev.Clone()
	next.ResumeToken = ""
	return mutation{prev: prev, next: next}, nil
}
