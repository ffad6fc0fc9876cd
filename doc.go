// Package pubflow runs the publication approval workflow: an entity is
// drafted, waits for approval, has its content evaluated and ends with a
// single EvaluationCompleted event.
//
// # Components
//
// The pieces communicate only through the status store and its change
// feed, never through shared memory:
//
//  1. Status store
//  2. Change feed consumers (trigger, resumption bridge, change relay)
//  3. Engine
//  4. Worker
//  5. Runner
//
// # Status store
//
// Every entity has one status record with a lifecycle state (DRAFT,
// APPROVED, CANCELLED, CLOSED, EXPIRED). Writes are conditional: a record
// is created only when absent or inactive, and approved only from DRAFT.
// Refused writes come back as *status.Rejection values, not failures.
// Each write appends a change record to the store's change log in the same
// atomic unit, which is what the consumers read.
//
// Backends: in-memory, SQLite, PostgreSQL and Redis.
//
// # Engine
//
// The Engine runs workflow definitions: state machines of named steps
// connected by Next, Choices or End. A step built with AwaitResumeStep
// mints a resume token and suspends the instance. A suspended instance
// holds no goroutine; it is a WAITING row keyed by its token until
// ResumeWorkflow claims it. Exactly one caller wins a claim, and late or
// replayed resumptions get ErrStaleToken.
//
// Instances can be persisted in memory, SQLite, PostgreSQL, Redis or
// MongoDB.
//
// # Feed consumers
//
// Each consumer keeps its own cursor on the change feed and reports
// per-record failures, so one bad record is redelivered without holding
// back its batch:
//
//   - the trigger enqueues a workflow start for every new DRAFT;
//   - the resumption bridge resumes the waiting instance once the record
//     is APPROVED and carries a token;
//   - the change relay publishes StatusChanged events for allow-listed
//     states and dead-letters what it cannot publish.
//
// # Worker
//
// A Worker drains the task queue. Start tasks that fail to reach the
// engine are redelivered with exponential backoff until they run out of
// attempts or age, then dead-lettered as WorkflowTriggerExpired.
//
// # Runner
//
// Runner wires all of the above from a Config:
//
//	runner, err := pubflow.NewLocalRunner(pubflow.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := runner.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer runner.Stop()
//
// NewSQLiteBundle and NewPostgresBundle build durable runners on a single
// database, and NewRedisMongoBundle splits the work between Redis and
// MongoDB. NewRunner accepts any other combination of backends.
//
// FlowBuilder defines other workflows on the same engine.
package pubflow
