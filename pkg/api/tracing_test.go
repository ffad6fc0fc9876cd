package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer() (*tracetest.SpanRecorder, *TracingObserver) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, NewTracingObserverWithTracer(tp.Tracer("test"))
}

func TestTracingObserver_SpanPerStep(t *testing.T) {
	sr, o := setupTestTracer()
	ctx := context.Background()
	inst := newTestInstance()

	o.OnStepStart(ctx, inst, "entity.check-exists")
	o.OnStepCompleted(ctx, inst, "entity.check-exists", nil, time.Millisecond)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "pubflow.step.execute" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected Ok status, got %v", spans[0].Status().Code)
	}

	found := false
	for _, a := range spans[0].Attributes() {
		if string(a.Key) == "pubflow.step" && a.Value.AsString() == "entity.check-exists" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pubflow.step attribute, got %v", spans[0].Attributes())
	}
}

func TestTracingObserver_ErrorStatus(t *testing.T) {
	sr, o := setupTestTracer()
	ctx := context.Background()
	inst := newTestInstance()

	o.OnStepStart(ctx, inst, "content.validate")
	o.OnStepCompleted(ctx, inst, "content.validate", errors.New("moderation down"), time.Millisecond)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected Error status, got %v", spans[0].Status().Code)
	}
	if spans[0].Status().Description != "moderation down" {
		t.Fatalf("unexpected description %q", spans[0].Status().Description)
	}
}

func TestTracingObserver_CompletionWithoutStartIsIgnored(t *testing.T) {
	sr, o := setupTestTracer()
	o.OnStepCompleted(context.Background(), newTestInstance(), "never-started", nil, 0)
	if n := len(sr.Ended()); n != 0 {
		t.Fatalf("expected no spans, got %d", n)
	}
}
