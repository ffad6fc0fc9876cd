package engine

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"

	"github.com/petrijr/pubflow/internal/testutil"
	"github.com/petrijr/pubflow/pkg/api"
)

func runResumeRoundTrip(t *testing.T, eng api.Engine) *api.WorkflowInstance {
	t.Helper()
	ctx := context.Background()

	sink := newTokenSink()
	if err := eng.RegisterWorkflow(approvalWorkflow(sink)); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	key := "entity-" + uuid.NewString()
	inst, err := eng.Start(ctx, "approval-flow", key)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusWaiting {
		t.Fatalf("expected WAITING, got %s", inst.Status)
	}

	resumed, err := eng.ResumeWorkflow(ctx, sink.get(key), "OK")
	if err != nil {
		t.Fatalf("ResumeWorkflow failed: %v", err)
	}
	if resumed.Status != api.StatusCompleted || resumed.Output != "result:"+key+":OK" {
		t.Fatalf("unexpected resumed instance: %s %v", resumed.Status, resumed.Output)
	}
	return resumed
}

func TestPostgresEngine_ResumeRoundTrip(t *testing.T) {
	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewPostgresEngine(db)
	if err != nil {
		t.Fatalf("NewPostgresEngine failed: %v", err)
	}
	runResumeRoundTrip(t, eng)
}

func TestRedisEngine_ResumeRoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	metrics := &api.BasicMetrics{}
	eng := NewRedisEngineWithObserver(client, metrics)
	done := runResumeRoundTrip(t, eng)

	history, err := eng.(api.HistoryReader).ListEvents(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	var types []api.EventType
	for _, ev := range history {
		types = append(types, ev.Type)
	}
	want := []api.EventType{api.EventWorkflowStarted, api.EventWorkflowWaiting, api.EventWorkflowResumed, api.EventWorkflowCompleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("expected history %v, got %v", want, types)
	}

	snap := metrics.Snapshot()
	if snap.WorkflowsStarted != 1 || snap.WorkflowsSuspended != 1 || snap.WorkflowsCompleted != 1 {
		t.Fatalf("observer not attached: %+v", snap)
	}
}

func TestMongoEngine_ResumeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runResumeRoundTrip(t, NewMongoEngine(client, "pubflow_engine_test"))
}
