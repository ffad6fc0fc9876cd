package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/pubflow/internal/bridge"
	"github.com/petrijr/pubflow/internal/dlq"
	"github.com/petrijr/pubflow/internal/engine"
	"github.com/petrijr/pubflow/internal/eventbus"
	"github.com/petrijr/pubflow/internal/orchestrator"
	"github.com/petrijr/pubflow/internal/persistence"
	"github.com/petrijr/pubflow/internal/relay"
	"github.com/petrijr/pubflow/internal/statusstore"
	"github.com/petrijr/pubflow/internal/taskqueue"
	"github.com/petrijr/pubflow/pkg/api"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/events"
	"github.com/petrijr/pubflow/pkg/status"
	"github.com/petrijr/pubflow/pkg/worker"
)

// ApprovalScenarioSuite wires the whole pipeline in memory and drives it
// one poll at a time.
type ApprovalScenarioSuite struct {
	suite.Suite

	ctx       context.Context
	store     *statusstore.MemoryStore
	attach    *attachHookStore
	bus       *eventbus.MemoryBus
	instances *persistence.InMemoryStore
	eng       api.Engine
	worker *worker.Worker
	queue  *taskqueue.InMemoryQueue

	trigger *changefeed.Subscription
	bridge  *changefeed.Subscription
	relay   *changefeed.Subscription
	dead    *dlq.MemoryStore
}

// attachHookStore calls afterAttach once a token is on the record, while
// the start task that attached it is still running.
type attachHookStore struct {
	*statusstore.MemoryStore
	afterAttach func()
}

func (h *attachHookStore) AttachResumeToken(ctx context.Context, entityID, token string) error {
	if err := h.MemoryStore.AttachResumeToken(ctx, entityID, token); err != nil {
		return err
	}
	if h.afterAttach != nil {
		h.afterAttach()
	}
	return nil
}

func TestApprovalScenario(t *testing.T) {
	suite.Run(t, new(ApprovalScenarioSuite))
}

func (s *ApprovalScenarioSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = statusstore.NewMemoryStore()
	s.attach = &attachHookStore{MemoryStore: s.store}
	s.bus = eventbus.NewMemoryBus("pubflow", nil)
	s.instances = persistence.NewInMemoryStore()
	s.eng = engine.NewEngine(persistence.Persistence{
		Workflows: persistence.NewInMemoryStore(),
		Instances: s.instances,
		Events:    persistence.NewInMemoryEventStore(),
	})
	s.queue = taskqueue.NewInMemoryQueue()
	s.worker = worker.New(s.eng, s.queue)
	s.dead = dlq.NewMemoryStore()

	steps, err := orchestrator.NewSteps(orchestrator.Deps{
		Store:     s.attach,
		Publisher: s.bus,
		Text:      orchestrator.NewKeywordModerator("forbidden"),
		Instances: s.eng,
	})
	s.Require().NoError(err)
	def, err := steps.Definition("")
	s.Require().NoError(err)
	s.Require().NoError(s.eng.RegisterWorkflow(def))

	s.trigger = s.subscribe(orchestrator.TriggerConsumer, orchestrator.NewTrigger(s.worker, "", nil))
	s.bridge = s.subscribe(bridge.Consumer, bridge.New(bridge.EngineResumer(s.eng), nil))
	s.relay = s.subscribe(relay.Consumer, relay.New(s.bus, s.dead, relay.Config{}))
}

func (s *ApprovalScenarioSuite) subscribe(consumer string, h changefeed.Handler) *changefeed.Subscription {
	sub, err := changefeed.NewSubscription(s.store, h, changefeed.SubscriptionConfig{Consumer: consumer})
	s.Require().NoError(err)
	return sub
}

func (s *ApprovalScenarioSuite) poll(sub *changefeed.Subscription) {
	_, err := sub.Poll(s.ctx)
	s.Require().NoError(err)
}

// startWorkflow lets the trigger see pending creations and runs the
// resulting start task.
func (s *ApprovalScenarioSuite) startWorkflow() {
	s.poll(s.trigger)
	s.Require().Equal(1, s.queue.Len())
	processed, err := s.worker.ProcessOne(s.ctx)
	s.Require().NoError(err)
	s.Require().True(processed)
}

func (s *ApprovalScenarioSuite) evaluations() []*events.EvaluationCompleted {
	var out []*events.EvaluationCompleted
	for _, env := range s.bus.Published(events.TypeEvaluationCompleted) {
		ev, err := env.Event()
		s.Require().NoError(err)
		out = append(out, ev.(*events.EvaluationCompleted))
	}
	return out
}

func (s *ApprovalScenarioSuite) onlyInstance() *api.WorkflowInstance {
	insts, err := s.eng.ListInstances(s.ctx, api.InstanceListOptions{WorkflowName: orchestrator.WorkflowName})
	s.Require().NoError(err)
	s.Require().Len(insts, 1)
	return insts[0]
}

func (s *ApprovalScenarioSuite) TestDraftApproveEvaluatePass() {
	rec, err := s.store.CreateRecord(s.ctx, "p1", map[string]string{"title": "Spring catalogue"})
	s.Require().NoError(err)
	s.Equal(status.StateDraft, rec.State)

	s.startWorkflow()

	inst := s.onlyInstance()
	s.Equal(api.StatusWaiting, inst.Status)
	rec, _, err = s.store.GetRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal(inst.ResumeToken, rec.ResumeToken)

	// Token attached but not approved yet: nothing resumes.
	s.poll(s.bridge)
	s.Equal(api.StatusWaiting, s.onlyInstance().Status)

	_, err = s.store.ApproveRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.poll(s.bridge)

	inst = s.onlyInstance()
	s.Equal(api.StatusCompleted, inst.Status)
	s.Equal(api.OutcomeSucceed, inst.Outcome)

	evs := s.evaluations()
	s.Require().Len(evs, 1)
	s.Equal(events.EvaluationCompleted{EntityID: "p1", InstanceID: inst.ID, Result: events.ResultPass}, *evs[0])

	rec, _, err = s.store.GetRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.Empty(rec.ResumeToken, "token is detached on completion")

	// The detach change carries no token.
	s.poll(s.bridge)
	s.Len(s.evaluations(), 1)

	s.poll(s.relay)
	for _, env := range s.bus.Published(events.TypeStatusChanged) {
		ev, err := env.Event()
		s.Require().NoError(err)
		s.Contains([]status.LifecycleState{status.StateDraft, status.StateApproved}, ev.(*events.StatusChanged).LifecycleState)
	}
	s.NotEmpty(s.bus.Published(events.TypeStatusChanged))
}

func (s *ApprovalScenarioSuite) TestReplayedApprovalIsHandled() {
	_, err := s.store.CreateRecord(s.ctx, "p1", map[string]string{"title": "Spring catalogue"})
	s.Require().NoError(err)
	s.startWorkflow()
	_, err = s.store.ApproveRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.poll(s.bridge)
	s.Require().Len(s.evaluations(), 1)

	var approval changefeed.ChangeRecord
	for _, rec := range s.store.Records() {
		if rec.NewImage.State() == status.StateApproved && rec.OldImage.State() == status.StateDraft {
			approval = rec
		}
	}
	s.Require().NotEmpty(approval.Sequence)

	res := bridge.New(bridge.EngineResumer(s.eng), nil).HandleBatch(s.ctx, []changefeed.ChangeRecord{approval})
	s.Require().Len(res.Failures, 1)
	s.ErrorIs(res.Failures[0].Err, api.ErrStaleToken)
	s.Len(s.evaluations(), 1, "no second evaluation")
}

func (s *ApprovalScenarioSuite) TestUnknownEntityIsRejected() {
	s.Require().NoError(s.worker.EnqueueStartWorkflow(s.ctx, orchestrator.WorkflowName, orchestrator.Request{EntityID: "ghost"}))
	processed, err := s.worker.ProcessOne(s.ctx)
	s.Require().NoError(err)
	s.Require().True(processed)

	inst := s.onlyInstance()
	s.Equal(api.StatusCompleted, inst.Status)
	s.Equal(api.OutcomeReject, inst.Outcome)

	evs := s.evaluations()
	s.Require().Len(evs, 1)
	s.Equal(events.ResultFail, evs[0].Result)
	s.Equal("ghost", evs[0].EntityID)
}

func (s *ApprovalScenarioSuite) TestBlockedContentFails() {
	_, err := s.store.CreateRecord(s.ctx, "p2", map[string]string{"title": "Forbidden fruit"})
	s.Require().NoError(err)
	s.startWorkflow()
	_, err = s.store.ApproveRecord(s.ctx, "p2")
	s.Require().NoError(err)
	s.poll(s.bridge)

	inst := s.onlyInstance()
	s.Equal(api.OutcomeFail, inst.Outcome)
	evs := s.evaluations()
	s.Require().Len(evs, 1)
	s.Equal(events.ResultFail, evs[0].Result)
	s.Contains(evs[0].Reason, "forbidden")
}

func (s *ApprovalScenarioSuite) TestApprovalBeforeTokenAttachStillResumes() {
	_, err := s.store.CreateRecord(s.ctx, "p3", map[string]string{"title": "Winter"})
	s.Require().NoError(err)
	_, err = s.store.ApproveRecord(s.ctx, "p3")
	s.Require().NoError(err)

	s.startWorkflow()
	s.Equal(api.StatusWaiting, s.onlyInstance().Status)

	// The attach write carries APPROVED and the token together.
	s.poll(s.bridge)
	s.Equal(api.StatusCompleted, s.onlyInstance().Status)
	s.Len(s.evaluations(), 1)
}

func (s *ApprovalScenarioSuite) TestRedraftStartsNewInstance() {
	_, err := s.store.CreateRecord(s.ctx, "p4", map[string]string{"title": "Summer"})
	s.Require().NoError(err)
	s.startWorkflow()
	first := s.onlyInstance()

	_, err = s.store.TransitionRecord(s.ctx, "p4", status.StateDraft, status.StateExpired)
	s.Require().NoError(err)
	_, err = s.store.CreateRecord(s.ctx, "p4", map[string]string{"title": "Summer v2"})
	s.Require().NoError(err)

	s.startWorkflow()
	insts, err := s.eng.ListInstances(s.ctx, api.InstanceListOptions{Status: api.StatusWaiting})
	s.Require().NoError(err)
	s.Len(insts, 2)

	rec, _, err := s.store.GetRecord(s.ctx, "p4")
	s.Require().NoError(err)
	s.NotEmpty(rec.ResumeToken)
	s.NotEqual(first.ResumeToken, rec.ResumeToken, "the re-drafted record waits on the new instance")
}

// The bridge polls while the start task is still inside the attach call
// and sees APPROVED together with the token.
func (s *ApprovalScenarioSuite) TestBridgePollDuringAttachResumes() {
	_, err := s.store.CreateRecord(s.ctx, "p5", map[string]string{"title": "Autumn"})
	s.Require().NoError(err)
	_, err = s.store.ApproveRecord(s.ctx, "p5")
	s.Require().NoError(err)

	polled := false
	s.attach.afterAttach = func() {
		polled = true
		s.poll(s.bridge)
	}
	s.startWorkflow()
	s.Require().True(polled)

	inst := s.onlyInstance()
	s.Equal(api.StatusCompleted, inst.Status)
	s.Equal(api.OutcomeSucceed, inst.Outcome)
	s.Len(s.evaluations(), 1)

	// Nothing was left for redelivery.
	s.poll(s.bridge)
	s.Len(s.evaluations(), 1)
	rec, _, err := s.store.GetRecord(s.ctx, "p5")
	s.Require().NoError(err)
	s.Empty(rec.ResumeToken)
}

// The process that claimed the instance died before finishing the resume;
// the approval was never committed on the bridge cursor.
func (s *ApprovalScenarioSuite) TestResumeInterruptedByCrashIsRedelivered() {
	_, err := s.store.CreateRecord(s.ctx, "p6", map[string]string{"title": "Harvest"})
	s.Require().NoError(err)
	s.startWorkflow()
	_, err = s.store.ApproveRecord(s.ctx, "p6")
	s.Require().NoError(err)

	waiting := s.onlyInstance()
	_, err = s.instances.ClaimWaiting(s.ctx, waiting.ResumeToken)
	s.Require().NoError(err)

	n, err := s.eng.RecoverStuckInstances(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(api.StatusWaiting, s.onlyInstance().Status)

	s.poll(s.bridge)
	inst := s.onlyInstance()
	s.Equal(api.StatusCompleted, inst.Status)
	evs := s.evaluations()
	s.Require().Len(evs, 1)
	s.Equal(events.ResultPass, evs[0].Result)
	s.Equal(inst.ID, evs[0].InstanceID)
}

// An instance that failed after its suspension leaves its token on the
// record; a new evaluation of the entity must still be able to start.
func (s *ApprovalScenarioSuite) TestFailedInstanceDoesNotBlockEntity() {
	_, err := s.store.CreateRecord(s.ctx, "p7", map[string]string{"title": "Frost"})
	s.Require().NoError(err)
	s.startWorkflow()
	first := s.onlyInstance()

	// Claimed and past the suspended step when the process died.
	claimed, err := s.instances.ClaimWaiting(s.ctx, first.ResumeToken)
	s.Require().NoError(err)
	claimed.Pending = nil
	claimed.CurrentStep = orchestrator.StepValidateContent
	s.Require().NoError(s.instances.UpdateInstance(s.ctx, claimed))
	_, err = s.eng.RecoverStuckInstances(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, s.onlyInstance().Status)

	s.Require().NoError(s.worker.EnqueueStartWorkflow(s.ctx, orchestrator.WorkflowName, orchestrator.Request{EntityID: "p7"}))
	processed, err := s.worker.ProcessOne(s.ctx)
	s.Require().NoError(err)
	s.Require().True(processed)

	waiting, err := s.eng.ListInstances(s.ctx, api.InstanceListOptions{Status: api.StatusWaiting})
	s.Require().NoError(err)
	s.Require().Len(waiting, 1)
	rec, _, err := s.store.GetRecord(s.ctx, "p7")
	s.Require().NoError(err)
	s.Equal(waiting[0].ResumeToken, rec.ResumeToken)
	s.NotEqual(first.ResumeToken, rec.ResumeToken)
}
