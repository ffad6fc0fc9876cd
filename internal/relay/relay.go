// Package relay republishes lifecycle transitions from the status change
// feed as StatusChanged domain events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/petrijr/pubflow/internal/backoff"
	"github.com/petrijr/pubflow/internal/dlq"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/events"
	"github.com/petrijr/pubflow/pkg/status"
)

// Consumer is the feed cursor name the relay reads with.
const Consumer = "change-relay"

// Config controls which transitions are published and how hard the relay
// tries before dead-lettering.
type Config struct {
	// AllowList holds the states that produce a StatusChanged event.
	// Defaults to DRAFT and APPROVED.
	AllowList []status.LifecycleState

	// MaxAttempts bounds publish attempts per record. Defaults to 3.
	MaxAttempts int

	// Backoff is the delay between publish attempts.
	// Defaults to exponential 50ms..1s.
	Backoff backoff.Strategy

	Logger *slog.Logger
}

// DefaultAllowList is the set of states this workflow reacts to.
func DefaultAllowList() []status.LifecycleState {
	return []status.LifecycleState{status.StateDraft, status.StateApproved}
}

// Relay is a changefeed.Handler. Records that could not be published are
// dead-lettered unmodified; only a failure to dead-letter is reported back
// to the feed for redelivery.
type Relay struct {
	publisher events.Publisher
	sink      dlq.Sink
	cfg       Config
	handler   changefeed.Handler
}

var _ changefeed.Handler = (*Relay)(nil)

// New creates a relay publishing through publisher and dead-lettering into sink.
func New(publisher events.Publisher, sink dlq.Sink, cfg Config) *Relay {
	if len(cfg.AllowList) == 0 {
		cfg.AllowList = DefaultAllowList()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewExponential(50*time.Millisecond, time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Relay{publisher: publisher, sink: sink, cfg: cfg}
	r.handler = changefeed.Each(r.handle)
	return r
}

// Allows reports whether state is on the relay's allow-list.
func (r *Relay) Allows(state status.LifecycleState) bool {
	return slices.Contains(r.cfg.AllowList, state)
}

func (r *Relay) HandleBatch(ctx context.Context, batch []changefeed.ChangeRecord) changefeed.BatchResult {
	return r.handler.HandleBatch(ctx, batch)
}

func (r *Relay) handle(ctx context.Context, rec changefeed.ChangeRecord) error {
	if rec.Kind == changefeed.KindRemove {
		return nil
	}
	state := rec.NewImage.State()
	if !r.Allows(state) {
		return nil
	}

	ev, err := statusChanged(rec)
	if err != nil {
		// A corrupt image will never publish; park it with the raw record.
		return r.deadLetter(ctx, rec, err, 0)
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if lastErr = r.publisher.Publish(ctx, ev); lastErr == nil {
			r.cfg.Logger.Debug("status change published",
				"entity_id", ev.EntityID,
				"state", string(ev.LifecycleState),
				"sequence", rec.Sequence,
			)
			return nil
		}
		r.cfg.Logger.Warn("publish failed",
			"entity_id", rec.EntityID,
			"sequence", rec.Sequence,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if delay := r.cfg.Backoff.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return r.deadLetter(ctx, rec, lastErr, r.cfg.MaxAttempts)
}

func (r *Relay) deadLetter(ctx context.Context, rec changefeed.ChangeRecord, cause error, attempts int) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode change record %s: %w", rec.Sequence, err)
	}
	entry := dlq.NewEntry(Consumer, dlq.ReasonFeedDeliveryFailure, raw, cause, attempts)
	if err := r.sink.Push(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter change record %s: %w", rec.Sequence, err)
	}
	r.cfg.Logger.Error("status change dead-lettered",
		"entity_id", rec.EntityID,
		"sequence", rec.Sequence,
		"dlq_id", entry.ID,
		"error", cause,
	)
	return nil
}

// statusChanged builds the event from the new image, falling back to the
// old image for fields the change did not repeat.
func statusChanged(rec changefeed.ChangeRecord) (events.StatusChanged, error) {
	img := rec.Merged()
	ev := events.StatusChanged{
		EntityID:       img[changefeed.FieldEntityID],
		CorrelationID:  img[changefeed.FieldCorrelationID],
		LifecycleState: rec.NewImage.State(),
		Sequence:       rec.Sequence,
	}
	if ev.EntityID == "" {
		ev.EntityID = rec.EntityID
	}
	if v := img[changefeed.FieldModifiedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return ev, fmt.Errorf("parse %s: %w", changefeed.FieldModifiedAt, err)
		}
		ev.ModifiedAt = t
	}
	return ev, nil
}
