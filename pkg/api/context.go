package api

import "context"

type stepInfoKey struct{}

// StepInfo identifies the step execution a StepFunc is running in.
type StepInfo struct {
	InstanceID string
	Workflow   string
	Step       string
	// Attempt is 1 for the first call and grows with each retry.
	Attempt int
}

// WithStepInfo returns a context carrying info. The engine calls it before
// every step invocation.
func WithStepInfo(ctx context.Context, info StepInfo) context.Context {
	return context.WithValue(ctx, stepInfoKey{}, info)
}

// StepInfoFromContext returns the step execution ctx belongs to.
func StepInfoFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepInfoKey{}).(StepInfo)
	return info, ok
}
