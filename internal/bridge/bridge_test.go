package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/pubflow/internal/engine"
	"github.com/petrijr/pubflow/pkg/api"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

type resumeCall struct {
	token   string
	payload any
}

// fakeResumer knows a fixed set of waiting tokens; each can be resumed once.
type fakeResumer struct {
	mu      sync.Mutex
	waiting map[string]bool
	calls   []resumeCall
}

func newFakeResumer(tokens ...string) *fakeResumer {
	r := &fakeResumer{waiting: map[string]bool{}}
	for _, t := range tokens {
		r.waiting[t] = true
	}
	return r
}

func (r *fakeResumer) ResumeWorkflow(_ context.Context, token string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resumeCall{token: token, payload: payload})
	waiting, known := r.waiting[token]
	if !known {
		return api.ErrTokenNotFound
	}
	if !waiting {
		return api.ErrStaleToken
	}
	r.waiting[token] = false
	return nil
}

func (r *fakeResumer) tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.token)
	}
	return out
}

func image(entityID string, state status.LifecycleState, token string) changefeed.Image {
	img := changefeed.Image{
		changefeed.FieldEntityID:       entityID,
		changefeed.FieldCorrelationID:  "corr-" + entityID,
		changefeed.FieldLifecycleState: string(state),
		changefeed.FieldModifiedAt:     "2026-03-04T05:06:07Z",
	}
	if token != "" {
		img[changefeed.FieldResumeToken] = token
	}
	return img
}

func modify(seq, entityID string, oldImg, newImg changefeed.Image) changefeed.ChangeRecord {
	return changefeed.ChangeRecord{Sequence: seq, Kind: changefeed.KindModify, EntityID: entityID, OldImage: oldImg, NewImage: newImg}
}

func TestBridge_ResumesWhenMergedRecordIsApprovedWithToken(t *testing.T) {
	r := newFakeResumer("tok-1")
	b := New(r, nil)

	// The approval write does not repeat the token; it lives in the old image.
	newImg := image("p1", status.StateApproved, "")
	rec := modify("1", "p1", image("p1", status.StateDraft, "tok-1"), newImg)

	res := b.HandleBatch(context.Background(), []changefeed.ChangeRecord{rec})
	require.Empty(t, res.Failures)
	require.Len(t, r.calls, 1)
	assert.Equal(t, "tok-1", r.calls[0].token)
	assert.Equal(t, Approval{
		EntityID:      "p1",
		CorrelationID: "corr-p1",
		State:         status.StateApproved,
		ApprovedAt:    time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}, r.calls[0].payload)
}

func TestBridge_SkipsRecordsThatShouldNotResume(t *testing.T) {
	tests := []struct {
		name string
		rec  changefeed.ChangeRecord
	}{
		{
			name: "creation without token",
			rec:  changefeed.ChangeRecord{Sequence: "1", Kind: changefeed.KindInsert, EntityID: "p1", NewImage: image("p1", status.StateDraft, "")},
		},
		{
			name: "approved without token",
			rec:  modify("2", "p1", image("p1", status.StateDraft, ""), image("p1", status.StateApproved, "")),
		},
		{
			name: "token attached while draft",
			rec:  modify("3", "p1", image("p1", status.StateDraft, ""), image("p1", status.StateDraft, "tok-1")),
		},
		{
			name: "token present but record closed",
			rec:  modify("4", "p1", image("p1", status.StateApproved, "tok-1"), image("p1", status.StateClosed, "")),
		},
		{
			name: "token cleared by the approval write",
			rec: modify("5", "p1", image("p1", status.StateDraft, "tok-1"), changefeed.Image{
				changefeed.FieldLifecycleState: string(status.StateApproved),
				changefeed.FieldResumeToken:    "",
			}),
		},
		{
			name: "removal",
			rec:  changefeed.ChangeRecord{Sequence: "6", Kind: changefeed.KindRemove, EntityID: "p1", OldImage: image("p1", status.StateApproved, "tok-1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeResumer("tok-1")
			res := New(r, nil).HandleBatch(context.Background(), []changefeed.ChangeRecord{tt.rec})
			assert.Empty(t, res.Failures)
			assert.Empty(t, r.calls)
		})
	}
}

func TestBridge_ResumesOnlyTheTokenOnTheRecord(t *testing.T) {
	r := newFakeResumer("tok-1", "tok-2")
	rec := modify("1", "p2", image("p2", status.StateDraft, "tok-2"), image("p2", status.StateApproved, ""))

	res := New(r, nil).HandleBatch(context.Background(), []changefeed.ChangeRecord{rec})
	require.Empty(t, res.Failures)
	assert.Equal(t, []string{"tok-2"}, r.tokens())
	assert.True(t, r.waiting["tok-1"])
}

func TestBridge_PartialBatchIsolation(t *testing.T) {
	r := newFakeResumer("tok-0", "tok-1", "tok-3", "tok-4")
	var batch []changefeed.ChangeRecord
	for i, tok := range []string{"tok-0", "tok-1", "tok-unknown", "tok-3", "tok-4"} {
		id := "p" + string(rune('0'+i))
		batch = append(batch, modify(changefeed.FormatSequence(int64(i+1)), id,
			image(id, status.StateDraft, tok), image(id, status.StateApproved, "")))
	}

	res := New(r, nil).HandleBatch(context.Background(), batch)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, batch[2].Sequence, res.Failures[0].Sequence)
	assert.ErrorIs(t, res.Failures[0].Err, api.ErrTokenNotFound)
	assert.Len(t, r.calls, 5)
	for _, tok := range []string{"tok-0", "tok-1", "tok-3", "tok-4"} {
		assert.False(t, r.waiting[tok], "%s should have been resumed", tok)
	}
}

func TestBridge_UnexpectedResumeErrorIsWrapped(t *testing.T) {
	boom := errors.New("engine store unavailable")
	b := New(ResumerFunc(func(context.Context, string, any) error { return boom }), nil)

	rec := modify("9", "p1", image("p1", status.StateDraft, "tok-1"), image("p1", status.StateApproved, ""))
	res := b.HandleBatch(context.Background(), []changefeed.ChangeRecord{rec})
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, boom)
}

func TestBridge_ReplayAfterCompletionIsHandled(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewInMemoryEngine()
	tokens := make(chan string, 1)
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "await-approval",
		Steps: []api.StepDefinition{{
			Name: "wait",
			Fn: api.AwaitResumeStep(func(ctx context.Context, token string, input any) error {
				tokens <- token
				return nil
			}, nil),
			End: api.OutcomeSucceed,
		}},
	}))

	inst, err := eng.Start(ctx, "await-approval", "p1")
	require.NoError(t, err)
	token := <-tokens

	b := New(EngineResumer(eng), nil)
	rec := modify("1", "p1", image("p1", status.StateDraft, token), image("p1", status.StateApproved, ""))

	res := b.HandleBatch(ctx, []changefeed.ChangeRecord{rec})
	require.Empty(t, res.Failures)

	inst, err = eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	approval, ok := inst.Output.(Approval)
	require.True(t, ok, "output should be the approval payload, got %T", inst.Output)
	assert.Equal(t, "p1", approval.EntityID)

	res = b.HandleBatch(ctx, []changefeed.ChangeRecord{rec})
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, api.ErrStaleToken)
}
