// Package worker drives workflow start and resume triggers from a task
// queue into the engine.
//
// A start task that the engine accepted counts as delivered even when the
// workflow later fails or suspends; those outcomes belong to the workflow.
// A task that could not be handed to the engine at all is scheduled again
// with exponential backoff. Once it has been tried Config.MaxAttempts times
// or is older than Config.MaxEventAge it is pushed to the dead-letter sink
// with reason WorkflowTriggerExpired and ProcessOne reports
// ErrTriggerExpired.
//
// Resume tasks follow the same redelivery rules. A stale token means the
// instance was already resumed, so the task is dropped. An unknown token is
// retried because the suspension may not be persisted yet.
package worker
