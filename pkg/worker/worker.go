package worker

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/pubflow/internal/backoff"
	"github.com/petrijr/pubflow/internal/dlq"
	"github.com/petrijr/pubflow/internal/taskqueue"
	"github.com/petrijr/pubflow/pkg/api"
)

func init() {
	gob.Register(StartWorkflowPayload{})
	gob.Register(ResumePayload{})
}

// ErrTriggerExpired is returned by ProcessOne when a task ran out of
// attempts or grew older than MaxEventAge and was dead-lettered.
var ErrTriggerExpired = errors.New("workflow trigger expired")

// deadLetterSource names the worker in dead-letter entries.
const deadLetterSource = "worker"

// StartWorkflowPayload is the payload for a "start-workflow" task.
type StartWorkflowPayload struct {
	Input any
}

// ResumePayload is the payload for a "resume" task.
type ResumePayload struct {
	Data any
}

// Config controls redelivery of tasks that could not be handed to the engine.
type Config struct {
	// MaxAttempts is the number of deliveries before a task is
	// dead-lettered. Defaults to 5.
	MaxAttempts int

	// Backoff computes the delay before redelivery n (1-based).
	// Defaults to exponential 1s..1m.
	Backoff backoff.Strategy

	// MaxEventAge bounds how long after the first enqueue a task may still
	// be delivered. Defaults to 15 minutes.
	MaxEventAge time.Duration

	// DeadLetter receives expired tasks. When nil they are only logged.
	DeadLetter dlq.Sink

	// Owner names this worker's task leases. Defaults to a random id.
	Owner string

	// LeaseTTL is how long a dequeued task stays hidden from other
	// workers. A task not acknowledged within it is delivered again.
	// Defaults to one minute.
	LeaseTTL time.Duration

	Logger *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the redelivery settings used by New.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff:     backoff.Default(),
		MaxEventAge: 15 * time.Minute,
		LeaseTTL:    time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff == nil {
		c.Backoff = d.Backoff
	}
	if c.MaxEventAge <= 0 {
		c.MaxEventAge = d.MaxEventAge
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.Owner == "" {
		c.Owner = "worker-" + uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Worker pulls tasks from a Queue and hands them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a Worker with DefaultConfig.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker. Zero fields of cfg take their defaults.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg.withDefaults(),
	}
}

// EnqueueStartWorkflow enqueues a task to start a workflow asynchronously.
// It does NOT run the workflow itself; that is done by ProcessOne.
func (w *Worker) EnqueueStartWorkflow(ctx context.Context, workflowName string, input any) error {
	return w.EnqueueStartWorkflowAt(ctx, workflowName, input, time.Time{})
}

// EnqueueStartWorkflowAt enqueues a start task that becomes eligible at 'at'.
func (w *Worker) EnqueueStartWorkflowAt(ctx context.Context, workflowName string, input any, at time.Time) error {
	now := w.cfg.Now()
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeStartWorkflow,
		WorkflowName: workflowName,
		Payload:      StartWorkflowPayload{Input: input},
		EnqueuedAt:   now,
		NotBefore:    at,
	})
}

// EnqueueResume enqueues a task that resumes the instance waiting on token.
func (w *Worker) EnqueueResume(ctx context.Context, token string, data any) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeResume,
		Token:      token,
		Payload:    ResumePayload{Data: data},
		EnqueuedAt: w.cfg.Now(),
	})
}

// ProcessOne leases a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true, err == nil: the task was handed to the engine or
//     scheduled for redelivery.
//   - processed == true, errors.Is(err, ErrTriggerExpired): the task was
//     dead-lettered.
//
// The task is acknowledged only once its outcome is settled. A worker that
// dies before that leaves the task to be delivered again when the lease
// runs out.
//
// Business failures inside the workflow are not retried here; only
// failures to deliver the task to the engine are.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.Owner, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeStartWorkflow:
		err = w.processStart(ctx, task)
	case taskqueue.TaskTypeResume:
		err = w.processResume(ctx, task)
	default:
		err = w.deadLetter(ctx, task, dlq.ReasonWorkflowTriggerExpired, fmt.Errorf("unknown task type: %s", task.Type))
	}
	return true, err
}

// ack settles a task whose outcome is final.
func (w *Worker) ack(ctx context.Context, task *taskqueue.Task) error {
	if err := w.queue.Ack(ctx, task.ID, w.cfg.Owner); err != nil {
		if errors.Is(err, taskqueue.ErrLeaseLost) {
			w.cfg.Logger.Warn("task lease lost before ack, it may run again",
				"task_id", task.ID,
				"type", string(task.Type),
			)
			return nil
		}
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) processStart(ctx context.Context, task *taskqueue.Task) error {
	payload, ok := task.Payload.(StartWorkflowPayload)
	if !ok {
		return w.deadLetter(ctx, task, dlq.ReasonWorkflowTriggerExpired,
			fmt.Errorf("invalid payload type %T for start-workflow task", task.Payload))
	}

	inst, err := w.engine.Start(ctx, task.WorkflowName, payload.Input)
	if inst != nil {
		// The instance exists, so its failure belongs to the workflow.
		if inst.Status == api.StatusFailed {
			w.cfg.Logger.Warn("workflow failed",
				"workflow", task.WorkflowName,
				"instance_id", inst.ID,
				"error", err,
			)
		}
		return w.ack(ctx, task)
	}
	if errors.Is(err, api.ErrUnknownWorkflow) {
		return w.deadLetter(ctx, task, dlq.ReasonWorkflowTriggerExpired, err)
	}
	return w.redeliver(ctx, task, dlq.ReasonWorkflowTriggerExpired, err)
}

func (w *Worker) processResume(ctx context.Context, task *taskqueue.Task) error {
	payload, ok := task.Payload.(ResumePayload)
	if !ok {
		return w.deadLetter(ctx, task, dlq.ReasonRedeliveryExhausted,
			fmt.Errorf("invalid payload type %T for resume task", task.Payload))
	}

	inst, err := w.engine.ResumeWorkflow(ctx, task.Token, payload.Data)
	switch {
	case inst != nil:
		return w.ack(ctx, task)
	case errors.Is(err, api.ErrStaleToken):
		w.cfg.Logger.Info("resume skipped, token no longer waiting", "token", task.Token)
		return w.ack(ctx, task)
	default:
		// An unknown token may belong to an instance that has not
		// persisted its suspension yet.
		return w.redeliver(ctx, task, dlq.ReasonRedeliveryExhausted, err)
	}
}

func (w *Worker) expired(task *taskqueue.Task, now time.Time) bool {
	return task.Attempts >= w.cfg.MaxAttempts || now.Sub(task.EnqueuedAt) > w.cfg.MaxEventAge
}

func (w *Worker) redeliver(ctx context.Context, task *taskqueue.Task, reason dlq.Reason, cause error) error {
	now := w.cfg.Now()
	task.Attempts++
	if w.expired(task, now) {
		return w.deadLetter(ctx, task, reason, cause)
	}

	next := *task
	next.NotBefore = now.Add(w.cfg.Backoff.Delay(task.Attempts))
	w.cfg.Logger.Warn("task delivery failed, scheduling redelivery",
		"task_id", task.ID,
		"type", string(task.Type),
		"attempt", task.Attempts,
		"not_before", next.NotBefore,
		"error", cause,
	)
	if err := w.queue.Nack(ctx, next, w.cfg.Owner); err != nil {
		if errors.Is(err, taskqueue.ErrLeaseLost) {
			w.cfg.Logger.Warn("task lease lost before redelivery was scheduled", "task_id", task.ID)
			return nil
		}
		return fmt.Errorf("reschedule task %s: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, task *taskqueue.Task, reason dlq.Reason, cause error) error {
	w.cfg.Logger.Error("task dead-lettered",
		"task_id", task.ID,
		"type", string(task.Type),
		"attempts", task.Attempts,
		"reason", string(reason),
		"error", cause,
	)

	if w.cfg.DeadLetter != nil {
		payload, err := taskqueue.EncodeTask(*task)
		if err != nil {
			return fmt.Errorf("encode dead-lettered task %s: %w", task.ID, err)
		}
		if err := w.cfg.DeadLetter.Push(ctx, dlq.NewEntry(deadLetterSource, reason, payload, cause, task.Attempts)); err != nil {
			// Keep the task around until the sink accepts it.
			next := *task
			next.NotBefore = w.cfg.Now().Add(w.cfg.Backoff.Delay(task.Attempts))
			if qerr := w.queue.Nack(ctx, next, w.cfg.Owner); qerr != nil && !errors.Is(qerr, taskqueue.ErrLeaseLost) {
				return fmt.Errorf("dead-letter task %s: %w", task.ID, errors.Join(err, qerr))
			}
			return fmt.Errorf("dead-letter task %s: %w", task.ID, err)
		}
	}
	if err := w.ack(ctx, task); err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s after %d attempts: %w", ErrTriggerExpired, task.ID, task.Attempts, cause)
}

// Run processes tasks until ctx is cancelled. Errors from individual tasks
// are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !processed {
				return err
			}
			w.cfg.Logger.Error("task processing failed", "error", err)
		}
	}
}
