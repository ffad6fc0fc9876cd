package api

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/petrijr/pubflow"

// TracingObserver records one OpenTelemetry span per step execution and
// adds span events for suspension and resumption.
//
// Observer callbacks cannot replace the engine's context, so step spans
// are children of whatever span ctx carries at OnStepStart.
type TracingObserver struct {
	NoopObserver

	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracingObserver uses the global TracerProvider. When none is
// configured the noop tracer makes this observer a pass-through.
func NewTracingObserver() *TracingObserver {
	return NewTracingObserverWithTracer(otel.Tracer(tracerName))
}

// NewTracingObserverWithTracer uses the provided tracer.
func NewTracingObserverWithTracer(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

func spanKey(inst *WorkflowInstance, step string) string {
	return inst.ID + "/" + step
}

func (o *TracingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step string) {
	_, span := o.tracer.Start(ctx, "pubflow.step.execute",
		trace.WithAttributes(
			attribute.String("pubflow.workflow", inst.Name),
			attribute.String("pubflow.workflow.version", inst.Version),
			attribute.String("pubflow.instance.id", inst.ID),
			attribute.String("pubflow.step", step),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	o.mu.Lock()
	o.spans[spanKey(inst, step)] = span
	o.mu.Unlock()
}

func (o *TracingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step string, err error, d time.Duration) {
	key := spanKey(inst, step)

	o.mu.Lock()
	span, ok := o.spans[key]
	delete(o.spans, key)
	o.mu.Unlock()

	if !ok {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *TracingObserver) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, token string) {
	trace.SpanFromContext(ctx).AddEvent("pubflow.workflow.suspended",
		trace.WithAttributes(
			attribute.String("pubflow.instance.id", inst.ID),
			attribute.String("pubflow.step", inst.CurrentStep),
		),
	)
}

func (o *TracingObserver) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance) {
	trace.SpanFromContext(ctx).AddEvent("pubflow.workflow.resumed",
		trace.WithAttributes(
			attribute.String("pubflow.instance.id", inst.ID),
			attribute.String("pubflow.step", inst.CurrentStep),
		),
	)
}
