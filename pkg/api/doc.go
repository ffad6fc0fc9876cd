// Package api contains the core building blocks used by the pubflow workflow
// engine: workflow definitions, the Engine interface, suspension primitives
// and the Observer hooks.
//
// Most users interact with the higher-level pubflow package, which wires an
// engine to a status store and a change feed. The api package is intended
// for custom integrations or for contributors extending the engine itself.
//
// # Workflow Definitions
//
// A workflow is a small state machine. Each StepDefinition names a state and
// declares exactly one exit: Next (unconditional), Choices (the step returns
// a Choice whose Branch selects the next state) or End (terminal, with an
// Outcome of succeed, fail or reject).
//
// Definitions are registered with an engine before they can be started. The
// engine persists the name of the current step, so a resumed instance
// continues from exactly where it stopped.
//
// # Suspension
//
// AwaitResumeStep builds a step that mints an opaque resume token, hands it
// to a callback that makes it discoverable (typically by attaching it to an
// entity record), and asks the engine to suspend. The engine persists the
// instance as StatusWaiting and releases it. Engine.ResumeWorkflow later
// claims the instance with a compare-and-set on the token, so a token can
// resume its instance at most once.
//
// Step functions are expected to be idempotent: they may be retried if a
// worker crashes or a task is redelivered.
//
// # Observability
//
// The Observer interface reports lifecycle events. LoggingObserver writes
// structured logs with log/slog, BasicMetrics keeps in-memory counters and
// TracingObserver emits OpenTelemetry spans. Combine them with
// NewCompositeObserver.
package api
