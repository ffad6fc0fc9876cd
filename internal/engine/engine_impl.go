package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/pubflow/internal/backoff"
	"github.com/petrijr/pubflow/internal/persistence"
	"github.com/petrijr/pubflow/pkg/api"
)

// engineImpl is a synchronous, in-process engine. All durable state lives
// in the instance store; a suspended instance holds no goroutine.
type engineImpl struct {
	workflows persistence.WorkflowStore
	instances persistence.InstanceStore
	events    persistence.EventStore
	observer  api.Observer
	now       func() time.Time
}

// Config describes how to construct an engineImpl.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
}

var (
	_ api.Engine        = (*engineImpl)(nil)
	_ api.HistoryReader = (*engineImpl)(nil)
)

func NewInMemoryEngine() api.Engine {
	return NewInMemoryEngineWithObserver(nil)
}

func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Workflows: mem,
			Instances: mem,
			Events:    persistence.NewInMemoryEventStore(),
		},
		Observer: obs,
	})
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver keeps instances and history in SQLite.
// Definitions stay in memory and must be registered on every start.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Workflows: persistence.NewInMemoryStore(),
			Instances: inst,
			Events:    events,
		},
		Observer: obs,
	}), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

func NewPostgresEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	inst, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Workflows: persistence.NewInMemoryStore(),
			Instances: inst,
			Events:    events,
		},
		Observer: obs,
	}), nil
}

// NewRedisEngine creates an engine that keeps instances and history in
// Redis.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewRedisEngineWithObserver(client, nil)
}

func NewRedisEngineWithObserver(client *redis.Client, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Workflows: persistence.NewInMemoryStore(),
			Instances: persistence.NewRedisInstanceStore(client, "pubflow:"),
			Events:    persistence.NewRedisEventStore(client, "pubflow:"),
		},
		Observer: obs,
	})
}

// NewMongoEngine creates an engine that keeps instances in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string) api.Engine {
	return NewMongoEngineWithObserver(client, dbName, nil)
}

func NewMongoEngineWithObserver(client *mongo.Client, dbName string, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Workflows: persistence.NewInMemoryStore(),
			Instances: persistence.NewMongoInstanceStore(client, dbName, "instances"),
		},
		Observer: obs,
	})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	events := cfg.Persistence.Events
	if events == nil {
		events = persistence.NoopEventStore{}
	}
	return &engineImpl{
		workflows: cfg.Persistence.Workflows,
		instances: cfg.Persistence.Instances,
		events:    events,
		observer:  obs,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewEngine returns an Engine over the given persistence.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Version == "" {
		def.Version = "v1"
	}

	if _, err := e.workflows.GetWorkflow(def.Name); err == nil {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	} else if !errors.Is(err, persistence.ErrWorkflowNotFound) {
		return err
	}

	return e.workflows.SaveWorkflow(def)
}

func (e *engineImpl) Start(ctx context.Context, name string, input any) (*api.WorkflowInstance, error) {
	def, err := e.workflows.GetWorkflow(name)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, name)
		}
		return nil, err
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Version:     def.Version,
		Status:      api.StatusRunning,
		CurrentStep: def.Entry(),
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Nothing exists yet if this fails, so the caller may simply retry.
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist new instance: %w", err)
	}
	e.observer.OnWorkflowStart(ctx, inst)
	e.record(ctx, inst, api.EventWorkflowStarted, "")

	return e.executeSteps(ctx, def, inst, def.Entry(), input)
}

func (e *engineImpl) ResumeWorkflow(ctx context.Context, token string, payload any) (*api.WorkflowInstance, error) {
	inst, err := e.instances.ClaimWaiting(ctx, token)
	if err != nil {
		return nil, err
	}

	def, err := e.workflows.GetWorkflow(inst.Name)
	if err != nil {
		err = fmt.Errorf("workflow definition not found for instance %s (name=%s): %w", inst.ID, inst.Name, err)
		return e.fail(ctx, inst, err)
	}

	e.observer.OnWorkflowResumed(ctx, inst)
	e.record(ctx, inst, api.EventWorkflowResumed, token)

	input := api.ResumePayload{
		Token: token,
		Data:  payload,
		Input: inst.Pending,
	}

	return e.executeSteps(ctx, def, inst, inst.CurrentStep, input)
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	return e.instances.FindByToken(ctx, token)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	})
}

func (e *engineImpl) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	return e.events.ListEvents(ctx, instanceID)
}

func (e *engineImpl) RecoverStuckInstances(ctx context.Context, olderThan time.Duration) (int, error) {
	running, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	cutoff := e.now().Add(-olderThan)
	recovered := 0
	for _, inst := range running {
		if olderThan > 0 && inst.UpdatedAt.After(cutoff) {
			continue
		}
		if resumeInterrupted(inst) {
			// Claimed but the resumed step never finished. The resume
			// that claimed it is redelivered and can claim it again.
			inst.Status = api.StatusWaiting
			inst.Err = nil
			if err := e.save(ctx, inst); err != nil {
				return recovered, err
			}
			e.record(ctx, inst, api.EventWorkflowWaiting, inst.ResumeToken)
			recovered++
			continue
		}

		inst.Status = api.StatusFailed
		inst.Err = fmt.Errorf("instance %s was interrupted in step %q", inst.ID, inst.CurrentStep)
		if err := e.save(ctx, inst); err != nil {
			return recovered, err
		}
		e.record(ctx, inst, api.EventWorkflowFailed, inst.Err.Error())
		e.observer.OnWorkflowFailed(ctx, inst, inst.Err)
		recovered++
	}
	return recovered, nil
}

// resumeInterrupted reports whether inst was claimed by ResumeWorkflow
// and is still in the step it suspended in. Pending is kept until that
// step returns.
func resumeInterrupted(inst *api.WorkflowInstance) bool {
	return inst.ResumeToken != "" && inst.Pending != nil
}

func (e *engineImpl) record(ctx context.Context, inst *api.WorkflowInstance, typ api.EventType, detail string) {
	_ = e.events.AppendEvent(ctx, api.WorkflowEvent{
		InstanceID:      inst.ID,
		At:              e.now(),
		Type:            typ,
		WorkflowName:    inst.Name,
		WorkflowVersion: inst.Version,
		Step:            inst.CurrentStep,
		Detail:          detail,
	})
}

func (e *engineImpl) save(ctx context.Context, inst *api.WorkflowInstance) error {
	inst.UpdatedAt = e.now()
	return e.instances.UpdateInstance(ctx, inst)
}

func (e *engineImpl) fail(ctx context.Context, inst *api.WorkflowInstance, err error) (*api.WorkflowInstance, error) {
	inst.Status = api.StatusFailed
	inst.Err = err
	_ = e.save(ctx, inst)
	e.record(ctx, inst, api.EventWorkflowFailed, err.Error())
	e.observer.OnWorkflowFailed(ctx, inst, err)
	return inst, err
}

// executeSteps walks the state machine from stepName until the instance
// suspends, reaches a terminal step or fails.
func (e *engineImpl) executeSteps(
	ctx context.Context,
	def api.WorkflowDefinition,
	inst *api.WorkflowInstance,
	stepName string,
	input any,
) (*api.WorkflowInstance, error) {
	current := input

	for {
		step, ok := def.Step(stepName)
		if !ok {
			return e.fail(ctx, inst, fmt.Errorf("workflow %s has no step %q", def.Name, stepName))
		}

		inst.CurrentStep = step.Name
		inst.Status = api.StatusRunning
		if err := e.save(ctx, inst); err != nil {
			return inst, err
		}

		out, err := e.runStep(ctx, inst, step, current)
		if err != nil {
			if token, ok := api.IsSuspendError(err); ok {
				return e.suspend(ctx, inst, step, token, api.SuspendHook(err), current)
			}
			return e.fail(ctx, inst, err)
		}
		inst.Pending = nil

		switch {
		case step.End != api.OutcomeNone:
			inst.Status = api.StatusCompleted
			inst.Outcome = step.End
			inst.Output = out
			inst.Err = nil
			if err := e.save(ctx, inst); err != nil {
				return inst, err
			}
			e.record(ctx, inst, api.EventWorkflowCompleted, string(step.End))
			e.observer.OnWorkflowCompleted(ctx, inst)
			return inst, nil

		case step.Next != "":
			stepName = step.Next
			current = out

		default:
			choice, ok := out.(api.Choice)
			if !ok {
				return e.fail(ctx, inst, fmt.Errorf("step %q must return api.Choice, got %T", step.Name, out))
			}
			target, ok := step.Choices[choice.Branch]
			if !ok {
				return e.fail(ctx, inst, fmt.Errorf("step %q returned unknown branch %q", step.Name, choice.Branch))
			}
			stepName = target
			current = choice.Output
		}
	}
}

// suspend stores inst as WAITING on token and only then runs the step's
// hook, which makes the token discoverable. A resume can therefore never
// find the token before the instance is claimable.
func (e *engineImpl) suspend(
	ctx context.Context,
	inst *api.WorkflowInstance,
	step api.StepDefinition,
	token string,
	hook func(context.Context) error,
	pending any,
) (*api.WorkflowInstance, error) {
	inst.Status = api.StatusWaiting
	inst.ResumeToken = token
	inst.Pending = pending
	inst.Err = nil
	if err := e.save(ctx, inst); err != nil {
		return inst, err
	}
	e.record(ctx, inst, api.EventWorkflowWaiting, token)
	e.observer.OnWorkflowSuspended(ctx, inst, token)

	if hook == nil {
		return inst, nil
	}
	if err := e.runHook(ctx, inst, step, hook); err != nil {
		// Take the instance back so a late resume cannot claim it.
		claimed, cerr := e.instances.ClaimWaiting(ctx, token)
		if cerr != nil {
			return inst, err
		}
		claimed.ResumeToken = ""
		claimed.Pending = nil
		return e.fail(ctx, claimed, err)
	}
	return inst, nil
}

// runHook calls the suspend hook under the step's retry policy.
func (e *engineImpl) runHook(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, hook func(context.Context) error) error {
	maxAttempts, delays := retryPolicy(step)
	var err error
	for attempt := 1; ; attempt++ {
		if err = hook(ctx); err == nil {
			return nil
		}
		if attempt >= maxAttempts {
			break
		}
		e.record(ctx, inst, api.EventStepRetrying, err.Error())
		if werr := wait(ctx, delays.Delay(attempt)); werr != nil {
			return werr
		}
	}
	e.record(ctx, inst, api.EventStepFailed, err.Error())
	return err
}

func retryPolicy(step api.StepDefinition) (int, backoff.Strategy) {
	if step.Retry == nil {
		return 1, backoff.NewConstant(0)
	}
	maxAttempts := 1
	if step.Retry.MaxAttempts > 0 {
		maxAttempts = step.Retry.MaxAttempts
	}
	return maxAttempts, backoff.FromRetryPolicy(*step.Retry)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// runStep invokes step.Fn, retrying per its RetryPolicy. Suspension is
// never retried.
func (e *engineImpl) runStep(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, input any) (any, error) {
	maxAttempts, delays := retryPolicy(step)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.observer.OnStepStart(ctx, inst, step.Name)
		started := time.Now()
		out, err := step.Fn(api.WithStepInfo(ctx, api.StepInfo{
			InstanceID: inst.ID,
			Workflow:   inst.Name,
			Step:       step.Name,
			Attempt:    attempt,
		}), input)

		if _, suspended := api.IsSuspendError(err); suspended {
			e.observer.OnStepCompleted(ctx, inst, step.Name, nil, time.Since(started))
			return nil, err
		}
		e.observer.OnStepCompleted(ctx, inst, step.Name, err, time.Since(started))

		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		e.record(ctx, inst, api.EventStepRetrying, err.Error())
		if err := wait(ctx, delays.Delay(attempt)); err != nil {
			return nil, err
		}
	}

	e.record(ctx, inst, api.EventStepFailed, lastErr.Error())
	return nil, lastErr
}
