package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/events"
	"github.com/petrijr/pubflow/pkg/status"
)

// TriggerConsumer is the feed cursor name the trigger reads with.
const TriggerConsumer = "workflow-trigger"

// Enqueuer schedules a workflow start. *worker.Worker implements it.
type Enqueuer interface {
	EnqueueStartWorkflow(ctx context.Context, workflowName string, input any) error
}

// Trigger starts an instance for every newly drafted entity. It reads the
// change feed as its own consumer and also accepts ApprovalRequested
// events from the bus.
type Trigger struct {
	enq      Enqueuer
	workflow string
	log      *slog.Logger
	handler  changefeed.Handler
}

var _ changefeed.Handler = (*Trigger)(nil)

// NewTrigger enqueues starts of workflowName (WorkflowName when empty).
func NewTrigger(enq Enqueuer, workflowName string, logger *slog.Logger) *Trigger {
	if workflowName == "" {
		workflowName = WorkflowName
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{enq: enq, workflow: workflowName, log: logger}
	t.handler = changefeed.Each(t.handle)
	return t
}

// IsDraftCreation reports whether rec created a DRAFT record: a fresh
// insert or a re-draft of an inactive one.
func IsDraftCreation(rec changefeed.ChangeRecord) bool {
	if rec.Kind == changefeed.KindRemove || rec.NewImage.State() != status.StateDraft {
		return false
	}
	return rec.OldImage == nil || rec.OldImage.State().IsInactive()
}

func (t *Trigger) HandleBatch(ctx context.Context, batch []changefeed.ChangeRecord) changefeed.BatchResult {
	return t.handler.HandleBatch(ctx, batch)
}

func (t *Trigger) handle(ctx context.Context, rec changefeed.ChangeRecord) error {
	if !IsDraftCreation(rec) {
		return nil
	}
	r, err := changefeed.RecordOf(rec.NewImage)
	if err != nil {
		return fmt.Errorf("decode image of %s: %w", rec.Sequence, err)
	}
	return t.start(ctx, Request{
		EntityID:      rec.EntityID,
		CorrelationID: r.CorrelationID,
		Attributes:    r.Attributes,
	}, "sequence", rec.Sequence)
}

// OnApprovalRequested is an events.Handler for ApprovalRequested.
func (t *Trigger) OnApprovalRequested(ctx context.Context, env events.Envelope) error {
	ev, err := env.Event()
	if err != nil {
		return err
	}
	req, ok := ev.(*events.ApprovalRequested)
	if !ok {
		return fmt.Errorf("trigger: unexpected event %s", env.Type)
	}
	return t.start(ctx, Request{
		EntityID:      req.EntityID,
		CorrelationID: req.CorrelationID,
		Attributes:    req.Attributes,
	}, "event_id", env.ID)
}

// Subscribe registers the trigger for ApprovalRequested on sub.
func (t *Trigger) Subscribe(sub events.Subscriber) {
	sub.Subscribe(events.TypeApprovalRequested, t.OnApprovalRequested)
}

func (t *Trigger) start(ctx context.Context, req Request, originKey, origin string) error {
	if err := t.enq.EnqueueStartWorkflow(ctx, t.workflow, req); err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", t.workflow, req.EntityID, err)
	}
	t.log.Info("workflow start enqueued",
		"workflow", t.workflow,
		"entity_id", req.EntityID,
		originKey, origin,
	)
	return nil
}
