package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer is called synchronously by the engine at each lifecycle point,
// so implementations must return quickly.
type Observer interface {
	// OnWorkflowStart runs before the entry step.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)
	// OnWorkflowSuspended runs once the WAITING instance is stored.
	OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, token string)
	// OnWorkflowResumed runs after a successful claim.
	OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance)
	// OnWorkflowCompleted runs for every terminal step, whatever its outcome.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart and OnStepCompleted bracket each attempt. A suspending
	// attempt completes with a nil err.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, step string)
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, duration time.Duration)
}

// NoopObserver ignores everything. Embed it to implement a subset.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(context.Context, *WorkflowInstance)             {}
func (NoopObserver) OnWorkflowSuspended(context.Context, *WorkflowInstance, string) {}
func (NoopObserver) OnWorkflowResumed(context.Context, *WorkflowInstance)           {}
func (NoopObserver) OnWorkflowCompleted(context.Context, *WorkflowInstance)         {}
func (NoopObserver) OnWorkflowFailed(context.Context, *WorkflowInstance, error)     {}
func (NoopObserver) OnStepStart(context.Context, *WorkflowInstance, string)         {}
func (NoopObserver) OnStepCompleted(context.Context, *WorkflowInstance, string, error, time.Duration) {
}

// CompositeObserver calls each of its observers in order.
type CompositeObserver []Observer

// NewCompositeObserver drops nil entries. Zero observers give a
// NoopObserver and a single one is returned as is.
func NewCompositeObserver(obs ...Observer) Observer {
	var c CompositeObserver
	for _, o := range obs {
		if o != nil {
			c = append(c, o)
		}
	}
	switch len(c) {
	case 0:
		return NoopObserver{}
	case 1:
		return c[0]
	}
	return c
}

func (c CompositeObserver) each(fn func(Observer)) {
	for _, o := range c {
		fn(o)
	}
}

func (c CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	c.each(func(o Observer) { o.OnWorkflowStart(ctx, inst) })
}

func (c CompositeObserver) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, token string) {
	c.each(func(o Observer) { o.OnWorkflowSuspended(ctx, inst, token) })
}

func (c CompositeObserver) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance) {
	c.each(func(o Observer) { o.OnWorkflowResumed(ctx, inst) })
}

func (c CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	c.each(func(o Observer) { o.OnWorkflowCompleted(ctx, inst) })
}

func (c CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	c.each(func(o Observer) { o.OnWorkflowFailed(ctx, inst, err) })
}

func (c CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step string) {
	c.each(func(o Observer) { o.OnStepStart(ctx, inst, step) })
}

func (c CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
	c.each(func(o Observer) { o.OnStepCompleted(ctx, inst, step, err, d) })
}

// LoggingObserver logs instance transitions at info and step attempts at
// debug. Failed attempts are logged at warn and failed instances at error.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver logs to logger, or slog.Default() when nil.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) log(ctx context.Context, level slog.Level, msg string, inst *WorkflowInstance, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{
		slog.String("instance_id", inst.ID),
		slog.String("workflow", inst.Name),
	}, attrs...)
	o.Logger.LogAttrs(ctx, level, msg, attrs...)
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.log(ctx, slog.LevelInfo, "workflow started", inst, slog.String("version", inst.Version))
}

func (o *LoggingObserver) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, token string) {
	o.log(ctx, slog.LevelInfo, "workflow waiting", inst,
		slog.String("step", inst.CurrentStep),
		slog.String("token", token),
	)
}

func (o *LoggingObserver) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance) {
	o.log(ctx, slog.LevelInfo, "workflow resumed", inst, slog.String("step", inst.CurrentStep))
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.log(ctx, slog.LevelInfo, "workflow completed", inst, slog.String("outcome", string(inst.Outcome)))
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.log(ctx, slog.LevelError, "workflow failed", inst,
		slog.String("step", inst.CurrentStep),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step string) {
	o.log(ctx, slog.LevelDebug, "step started", inst, slog.String("step", step))
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
	if err != nil {
		o.log(ctx, slog.LevelWarn, "step attempt failed", inst,
			slog.String("step", step),
			slog.Duration("duration", d),
			slog.Any("error", err),
		)
		return
	}
	o.log(ctx, slog.LevelDebug, "step completed", inst,
		slog.String("step", step),
		slog.Duration("duration", d),
	)
}

// BasicMetrics counts lifecycle callbacks. Read it with Snapshot.
type BasicMetrics struct {
	NoopObserver

	started, suspended, resumed, completed, failed atomic.Int64
	stepsOK, stepsFailed                           atomic.Int64
	stepNanos                                      atomic.Int64
}

// BasicMetricsSnapshot is a point-in-time copy of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsSuspended int64
	WorkflowsResumed   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64

	// PendingWorkflows is started minus terminal, so waiting instances
	// are included.
	PendingWorkflows int64

	StepsCompleted int64
	StepsFailed    int64

	// AvgStepDuration averages successful attempts only.
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(context.Context, *WorkflowInstance) { m.started.Add(1) }

func (m *BasicMetrics) OnWorkflowSuspended(context.Context, *WorkflowInstance, string) {
	m.suspended.Add(1)
}

func (m *BasicMetrics) OnWorkflowResumed(context.Context, *WorkflowInstance) { m.resumed.Add(1) }

func (m *BasicMetrics) OnWorkflowCompleted(context.Context, *WorkflowInstance) { m.completed.Add(1) }

func (m *BasicMetrics) OnWorkflowFailed(context.Context, *WorkflowInstance, error) { m.failed.Add(1) }

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _ *WorkflowInstance, _ string, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsOK.Add(1)
	m.stepNanos.Add(d.Nanoseconds())
}

func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	s := BasicMetricsSnapshot{
		WorkflowsStarted:   m.started.Load(),
		WorkflowsSuspended: m.suspended.Load(),
		WorkflowsResumed:   m.resumed.Load(),
		WorkflowsCompleted: m.completed.Load(),
		WorkflowsFailed:    m.failed.Load(),
		StepsCompleted:     m.stepsOK.Load(),
		StepsFailed:        m.stepsFailed.Load(),
	}
	s.PendingWorkflows = s.WorkflowsStarted - s.WorkflowsCompleted - s.WorkflowsFailed
	if s.StepsCompleted > 0 {
		s.AvgStepDuration = time.Duration(m.stepNanos.Load() / s.StepsCompleted)
	}
	return s
}
