package pubflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/pubflow/internal/engine"
	"github.com/petrijr/pubflow/pkg/api"
)

// Engine and workflow types, aliased from pkg/api.
type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	Outcome              = api.Outcome
	StepFunc             = api.StepFunc
	Choice               = api.Choice
	ResumePayload        = api.ResumePayload
	SuspendFunc          = api.SuspendFunc
	ResumeFunc           = api.ResumeFunc
	StepInfo             = api.StepInfo
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	TracingObserver      = api.TracingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewTracingObserver   = api.NewTracingObserver
	AwaitResumeStep      = api.AwaitResumeStep
	StepInfoFromContext  = api.StepInfoFromContext

	ErrUnknownWorkflow = api.ErrUnknownWorkflow
	ErrTokenNotFound   = api.ErrTokenNotFound
	ErrStaleToken      = api.ErrStaleToken
)

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusFailed    = api.StatusFailed
	StatusCompleted = api.StatusCompleted

	OutcomeSucceed = api.OutcomeSucceed
	OutcomeFail    = api.OutcomeFail
	OutcomeReject  = api.OutcomeReject
)

// NewInMemoryEngine keeps instances and history in process memory.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine stores instances and history in db, which must use the
// modernc.org/sqlite driver. Definitions are registered per process.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewPostgresEngine is NewSQLiteEngine for a pgx-backed db.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine keeps instances and history in Redis under "pubflow:".
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return engine.NewRedisEngineWithObserver(client, obs)
}

// NewMongoEngine stores instances in dbName ("pubflow" when empty).
func NewMongoEngine(client *mongo.Client, dbName string) Engine {
	return engine.NewMongoEngine(client, dbName)
}

// Start runs workflow name on eng until it waits, completes or fails.
func Start(ctx context.Context, eng Engine, name string, input any) (*WorkflowInstance, error) {
	return eng.Start(ctx, name, input)
}

// ResumeWorkflow hands payload to the instance waiting on token. It
// returns ErrTokenNotFound or ErrStaleToken when no instance can be claimed.
func ResumeWorkflow(ctx context.Context, eng Engine, token string, payload any) (*WorkflowInstance, error) {
	return eng.ResumeWorkflow(ctx, token, payload)
}

func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// RecoverStuckInstances repairs instances left RUNNING by a crash for
// longer than olderThan. Interrupted resumes go back to WAITING and the
// rest fail. Runner.Start calls it and then repeats it every
// Workflow.RecoveryInterval.
func RecoverStuckInstances(ctx context.Context, eng Engine, olderThan time.Duration) (int, error) {
	return eng.RecoverStuckInstances(ctx, olderThan)
}
