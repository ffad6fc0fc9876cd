package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/petrijr/pubflow/pkg/api"
)

// tokenSink records tokens handed to the suspend callback, standing in for
// the record that makes a token discoverable.
type tokenSink struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newTokenSink() *tokenSink {
	return &tokenSink{tokens: make(map[string]string)}
}

func (s *tokenSink) attach(ctx context.Context, token string, input any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[fmt.Sprint(input)] = token
	return nil
}

func (s *tokenSink) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[key]
}

func approvalWorkflow(sink *tokenSink) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "approval-flow",
		Steps: []api.StepDefinition{
			{
				Name: "prepare",
				Fn: func(ctx context.Context, input any) (any, error) {
					return input, nil
				},
				Next: "await-approval",
			},
			{
				Name: "await-approval",
				Fn: api.AwaitResumeStep(sink.attach, func(ctx context.Context, p api.ResumePayload) (any, error) {
					return fmt.Sprintf("%v:%v", p.Input, p.Data), nil
				}),
				Next: "finalize",
			},
			{
				Name: "finalize",
				Fn: func(ctx context.Context, input any) (any, error) {
					s, ok := input.(string)
					if !ok {
						return nil, errors.New("expected string input in finalize")
					}
					return "result:" + s, nil
				},
				End: api.OutcomeSucceed,
			},
		},
	}
}

func TestResume_SuspendThenResume(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)
			sink := newTokenSink()
			if err := eng.RegisterWorkflow(approvalWorkflow(sink)); err != nil {
				t.Fatalf("RegisterWorkflow failed: %v", err)
			}

			inst, err := eng.Start(ctx, "approval-flow", "entity-1")
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if inst.Status != api.StatusWaiting {
				t.Fatalf("expected WAITING, got %s", inst.Status)
			}
			if inst.CurrentStep != "await-approval" {
				t.Fatalf("expected to wait in await-approval, got %q", inst.CurrentStep)
			}

			token := sink.get("entity-1")
			if token == "" || token != inst.ResumeToken {
				t.Fatalf("token mismatch: sink=%q instance=%q", token, inst.ResumeToken)
			}

			found, err := eng.FindByToken(ctx, token)
			if err != nil {
				t.Fatalf("FindByToken failed: %v", err)
			}
			if found.ID != inst.ID {
				t.Fatalf("FindByToken returned %s, want %s", found.ID, inst.ID)
			}

			resumed, err := eng.ResumeWorkflow(ctx, token, "APPROVED")
			if err != nil {
				t.Fatalf("ResumeWorkflow failed: %v", err)
			}
			if resumed.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %s (%v)", resumed.Status, resumed.Err)
			}
			if resumed.Output != "result:entity-1:APPROVED" {
				t.Fatalf("unexpected output: %v", resumed.Output)
			}

			_, err = eng.ResumeWorkflow(ctx, token, "APPROVED")
			if !errors.Is(err, api.ErrStaleToken) {
				t.Fatalf("expected ErrStaleToken on second resume, got %v", err)
			}
		})
	}
}

func TestResume_UnknownToken(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t).ResumeWorkflow(context.Background(), "no-such-token", nil)
			if !errors.Is(err, api.ErrTokenNotFound) {
				t.Fatalf("expected ErrTokenNotFound, got %v", err)
			}
		})
	}
}

func TestResume_ConcurrentResumeRunsOnce(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)
			sink := newTokenSink()

			var finalized atomic.Int32
			def := approvalWorkflow(sink)
			def.Steps[2].Fn = func(ctx context.Context, input any) (any, error) {
				finalized.Add(1)
				return input, nil
			}
			if err := eng.RegisterWorkflow(def); err != nil {
				t.Fatalf("RegisterWorkflow failed: %v", err)
			}

			if _, err := eng.Start(ctx, "approval-flow", "entity-2"); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			token := sink.get("entity-2")

			var (
				wg    sync.WaitGroup
				ok    atomic.Int32
				stale atomic.Int32
			)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := eng.ResumeWorkflow(ctx, token, "APPROVED")
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, api.ErrStaleToken):
						stale.Add(1)
					default:
						t.Errorf("unexpected resume error: %v", err)
					}
				}()
			}
			wg.Wait()

			if ok.Load() != 1 || stale.Load() != 4 {
				t.Fatalf("expected 1 winner and 4 stale, got %d/%d", ok.Load(), stale.Load())
			}
			if finalized.Load() != 1 {
				t.Fatalf("expected finalize to run once, ran %d times", finalized.Load())
			}
		})
	}
}

func TestResume_AttachFailureFailsInstance(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()
	storeDown := errors.New("store down")

	def := api.WorkflowDefinition{
		Name: "attach-fails",
		Steps: []api.StepDefinition{
			{
				Name: "await",
				Fn: api.AwaitResumeStep(func(ctx context.Context, token string, input any) error {
					return storeDown
				}, nil),
				End: api.OutcomeSucceed,
			},
		},
	}
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	inst, err := eng.Start(ctx, "attach-fails", nil)
	if !errors.Is(err, storeDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if inst.Status != api.StatusFailed || inst.ResumeToken != "" {
		t.Fatalf("expected FAILED without token, got %s token=%q", inst.Status, inst.ResumeToken)
	}
}

// A second engine over the same database picks up a suspended instance,
// as a new process would after a restart.
func TestResume_SurvivesEngineRestart(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	sink := newTokenSink()

	first, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	if err := first.RegisterWorkflow(approvalWorkflow(sink)); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	inst, err := first.Start(ctx, "approval-flow", "entity-3")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	second, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	if err := second.RegisterWorkflow(approvalWorkflow(sink)); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	resumed, err := second.ResumeWorkflow(ctx, sink.get("entity-3"), "OK")
	if err != nil {
		t.Fatalf("ResumeWorkflow failed: %v", err)
	}
	if resumed.ID != inst.ID || resumed.Output != "result:entity-3:OK" {
		t.Fatalf("unexpected resumed instance: id=%s output=%v", resumed.ID, resumed.Output)
	}
}

// Whoever learns the token from the suspend callback may resume at once,
// before Start has even returned.
func TestResume_TokenPublishedAfterWaitingIsStored(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			var (
				seen      api.Status
				resumed   *api.WorkflowInstance
				resumeErr error
			)
			def := api.WorkflowDefinition{
				Name: "eager-approval",
				Steps: []api.StepDefinition{
					{
						Name: "await",
						Fn: api.AwaitResumeStep(func(ctx context.Context, token string, input any) error {
							inst, err := eng.FindByToken(ctx, token)
							if err != nil {
								return err
							}
							seen = inst.Status
							resumed, resumeErr = eng.ResumeWorkflow(ctx, token, "approved")
							return nil
						}, nil),
						End: api.OutcomeSucceed,
					},
				},
			}
			if err := eng.RegisterWorkflow(def); err != nil {
				t.Fatalf("RegisterWorkflow failed: %v", err)
			}

			inst, err := eng.Start(ctx, "eager-approval", "entity-1")
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if seen != api.StatusWaiting {
				t.Fatalf("token was published while the instance was %s", seen)
			}
			if resumeErr != nil {
				t.Fatalf("resume from the suspend callback failed: %v", resumeErr)
			}
			if resumed.Status != api.StatusCompleted || resumed.Output != "approved" {
				t.Fatalf("unexpected resumed instance: %s %v", resumed.Status, resumed.Output)
			}

			got, err := eng.GetInstance(ctx, inst.ID)
			if err != nil {
				t.Fatalf("GetInstance failed: %v", err)
			}
			if got.Status != api.StatusCompleted {
				t.Fatalf("suspension must not overwrite the completed instance, got %s", got.Status)
			}
		})
	}
}

func TestResume_AttachRetriedUnderStepPolicy(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	var calls int
	def := api.WorkflowDefinition{
		Name: "flaky-attach",
		Steps: []api.StepDefinition{
			{
				Name: "await",
				Fn: api.AwaitResumeStep(func(ctx context.Context, token string, input any) error {
					calls++
					if calls < 3 {
						return errors.New("store busy")
					}
					return nil
				}, nil),
				Retry: &api.RetryPolicy{MaxAttempts: 3},
				End:   api.OutcomeSucceed,
			},
		},
	}
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	inst, err := eng.Start(ctx, "flaky-attach", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusWaiting || calls != 3 {
		t.Fatalf("expected WAITING after 3 attach attempts, got %s after %d", inst.Status, calls)
	}
}
