package pubflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/pubflow/internal/bridge"
	"github.com/petrijr/pubflow/internal/dlq"
	"github.com/petrijr/pubflow/internal/engine"
	"github.com/petrijr/pubflow/internal/eventbus"
	"github.com/petrijr/pubflow/internal/orchestrator"
	"github.com/petrijr/pubflow/internal/relay"
	"github.com/petrijr/pubflow/internal/statusstore"
	"github.com/petrijr/pubflow/internal/taskqueue"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/events"
	"github.com/petrijr/pubflow/pkg/status"
	"github.com/petrijr/pubflow/pkg/worker"
)

// StatusStore is a status store that also serves its own change feed.
type StatusStore interface {
	status.Store
	changefeed.Feed
}

// Components are the backends a Runner is assembled from.
type Components struct {
	Store       StatusStore
	Engine      Engine
	Queue       taskqueue.Queue
	DeadLetters dlq.Store
	Bus         events.Bus

	// Routes forward every envelope published on Bus to other buses.
	Routes []events.Rule

	// Text and Images default to a keyword moderator blocking
	// Config.Moderation.BlockedTerms.
	Text   orchestrator.TextModerator
	Images orchestrator.ImageModerator

	// Metrics, when set, is the BasicMetrics observer attached to Engine.
	Metrics *BasicMetrics
}

// Runner wires the status store feed, the workflow engine and the task
// worker into one process:
//
//	store feed ──► trigger ──► queue ──► worker ──► engine (suspends)
//	           ──► bridge  ──────────────────────► engine (resumes)
//	           ──► relay   ──► bus
//
// Typical usage:
//
//	runner, err := pubflow.NewLocalRunner(pubflow.DefaultConfig())
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	_, _ = runner.CreateDraft(ctx, "post-1", map[string]string{"title": "Hello"})
//	_, _ = runner.Approve(ctx, "post-1")
type Runner struct {
	Store       StatusStore
	Engine      Engine
	Queue       taskqueue.Queue
	Worker      *worker.Worker
	Bus         events.Bus
	DeadLetters dlq.Store
	Metrics     *BasicMetrics

	// Definition is the registered workflow.
	Definition WorkflowDefinition

	cfg   Config
	log   *slog.Logger
	loops []loop

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type feedConsumer struct {
	consumer string
	handler  changefeed.Handler
}

type loop struct {
	name string
	run  func(ctx context.Context) error
}

// busRunner is implemented by buses that deliver from a background reader.
type busRunner interface {
	Run(ctx context.Context, consumer string) error
}

// NewRunner registers the workflow on c.Engine and prepares the feed
// consumers and workers. Nothing runs until Start.
func NewRunner(cfg Config, c Components) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Store == nil || c.Engine == nil || c.Queue == nil || c.DeadLetters == nil || c.Bus == nil {
		return nil, errors.New("pubflow: store, engine, queue, dead letters and bus are required")
	}
	log := cfg.logger()

	if c.Text == nil || c.Images == nil {
		m := orchestrator.NewKeywordModerator(cfg.Moderation.BlockedTerms...)
		if c.Text == nil {
			c.Text = m
		}
		if c.Images == nil {
			c.Images = m
		}
	}
	steps, err := orchestrator.NewSteps(orchestrator.Deps{
		Store:     c.Store,
		Publisher: c.Bus,
		Text:      c.Text,
		Images:    c.Images,
		Instances: c.Engine,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	def, err := steps.Definition(cfg.Workflow.DefinitionPath)
	if err != nil {
		return nil, err
	}
	if err := c.Engine.RegisterWorkflow(def); err != nil {
		return nil, fmt.Errorf("pubflow: register %s: %w", def.Name, err)
	}

	wc := cfg.worker()
	wc.DeadLetter = c.DeadLetters
	r := &Runner{
		Store:       c.Store,
		Engine:      c.Engine,
		Queue:       c.Queue,
		Worker:      worker.NewWithConfig(c.Engine, c.Queue, wc),
		Bus:         c.Bus,
		DeadLetters: c.DeadLetters,
		Metrics:     c.Metrics,
		Definition:  def,
		cfg:         cfg,
		log:         log,
	}

	trigger := orchestrator.NewTrigger(r.Worker, def.Name, log)
	handlers := []feedConsumer{
		{bridge.Consumer, bridge.New(bridge.EngineResumer(c.Engine), log)},
		{relay.Consumer, relay.New(c.Bus, c.DeadLetters, cfg.relay())},
	}
	if cfg.Trigger.ListenBus {
		trigger.Subscribe(c.Bus)
	} else {
		handlers = append(handlers, feedConsumer{orchestrator.TriggerConsumer, trigger})
	}
	for _, h := range handlers {
		sub, err := changefeed.NewSubscription(c.Store, h.handler, cfg.subscription(h.consumer, r.deadLetterRecord(h.consumer)))
		if err != nil {
			return nil, err
		}
		r.loops = append(r.loops, loop{name: h.consumer, run: sub.Run})
	}

	if len(c.Routes) > 0 {
		c.Bus.Subscribe("*", events.NewForwardingRouter(log, c.Routes...).Handler())
	}
	if br, ok := c.Bus.(busRunner); ok {
		r.loops = append(r.loops, loop{name: "event-bus", run: func(ctx context.Context) error {
			return br.Run(ctx, cfg.Bus.Source)
		}})
	}
	if cfg.Workflow.RecoveryInterval > 0 {
		r.loops = append(r.loops, loop{name: "recovery", run: r.recoveryLoop})
	}
	for i := 0; i < cfg.Trigger.Workers; i++ {
		r.loops = append(r.loops, loop{name: fmt.Sprintf("worker-%d", i), run: r.Worker.Run})
	}
	return r, nil
}

// NewLocalRunner constructs a Runner on in-memory backends. It is meant
// for development, tests and demos: nothing survives the process.
func NewLocalRunner(cfg Config) (*Runner, error) {
	obs, metrics := newObserver(cfg)
	return NewRunner(cfg, Components{
		Store:       statusstore.NewMemoryStore(statusstore.WithShards(cfg.Feed.Shards)),
		Engine:      engine.NewInMemoryEngineWithObserver(obs),
		Queue:       taskqueue.NewInMemoryQueue(),
		DeadLetters: dlq.NewMemoryStore(),
		Bus:         eventbus.NewMemoryBus(cfg.Bus.Source, cfg.logger()),
		Metrics:     metrics,
	})
}

// newObserver logs, traces and counts engine activity.
func newObserver(cfg Config) (Observer, *BasicMetrics) {
	metrics := &BasicMetrics{}
	return NewCompositeObserver(
		NewLoggingObserver(cfg.logger()),
		NewTracingObserver(),
		metrics,
	), metrics
}

// deadLetterRecord stores the raw change record once its redelivery
// budget is spent.
func (r *Runner) deadLetterRecord(consumer string) changefeed.DeadLetterFunc {
	return func(ctx context.Context, rec changefeed.ChangeRecord, attempts int, cause error) error {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return r.DeadLetters.Push(ctx, dlq.NewEntry(consumer, dlq.ReasonRedeliveryExhausted, payload, cause, attempts))
	}
}

// Start recovers instances left RUNNING by a previous process, then runs
// the feed consumers and workers until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("pubflow: runner already started")
	}

	if err := r.recoverInstances(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(len(r.loops))
	for _, l := range r.loops {
		go func() {
			defer r.wg.Done()
			r.keepRunning(ctx, l)
		}()
	}
	return nil
}

// recoverInstances repairs instances a dead process left RUNNING.
func (r *Runner) recoverInstances(ctx context.Context) error {
	n, err := r.Engine.RecoverStuckInstances(ctx, r.cfg.Workflow.RecoveryAfter)
	if err != nil {
		return fmt.Errorf("pubflow: recover instances: %w", err)
	}
	if n > 0 {
		r.log.Warn("recovered interrupted instances", "count", n)
	}
	return nil
}

// recoveryLoop repeats recoverInstances so instances abandoned by another
// replica are picked up once their lease runs out.
func (r *Runner) recoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Workflow.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.recoverInstances(ctx); err != nil {
				return err
			}
		}
	}
}

// keepRunning restarts l after an unexpected error. Uncommitted feed
// records and unacknowledged tasks are redelivered to the new run.
func (r *Runner) keepRunning(ctx context.Context, l loop) {
	delay := r.cfg.Feed.PollInterval
	if delay <= 0 {
		delay = time.Second
	}
	for {
		err := l.run(ctx)
		if ctx.Err() != nil {
			return
		}
		r.log.Error("loop stopped, restarting", "loop", l.name, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop cancels everything started by Start and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// CreateDraft registers entityID for publication. The change feed picks
// the new DRAFT up and starts an approval workflow.
func (r *Runner) CreateDraft(ctx context.Context, entityID string, attrs map[string]string) (*status.Record, error) {
	return r.Store.CreateRecord(ctx, entityID, attrs)
}

// Approve moves entityID from DRAFT to APPROVED, which resumes its
// waiting workflow.
func (r *Runner) Approve(ctx context.Context, entityID string) (*status.Record, error) {
	return r.Store.ApproveRecord(ctx, entityID)
}

// Record returns the current status record of entityID.
func (r *Runner) Record(ctx context.Context, entityID string) (*status.Record, bool, error) {
	return r.Store.GetRecord(ctx, entityID)
}

// Retire moves an active record into an inactive state (CANCELLED, CLOSED
// or EXPIRED) so the entity can be drafted again. A workflow waiting on it
// stays WAITING; its token is never resumed.
func (r *Runner) Retire(ctx context.Context, entityID string, from, to status.LifecycleState) (*status.Record, error) {
	return r.Store.TransitionRecord(ctx, entityID, from, to)
}

// WaitingInstances lists instances parked on an approval. There is no
// cancellation path; operators use this to find instances orphaned by a
// re-draft or an approval that never came.
func (r *Runner) WaitingInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	return r.Engine.ListInstances(ctx, InstanceListOptions{
		WorkflowName: r.Definition.Name,
		Status:       StatusWaiting,
	})
}

// DeadLettered lists what every component gave up on, oldest first.
func (r *Runner) DeadLettered(ctx context.Context) ([]dlq.Entry, error) {
	return r.DeadLetters.List(ctx, dlq.ListOptions{})
}
