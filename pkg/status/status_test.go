package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleState_IsInactive(t *testing.T) {
	tests := []struct {
		state    LifecycleState
		inactive bool
	}{
		{StateDraft, false},
		{StateApproved, false},
		{StateCancelled, true},
		{StateClosed, true},
		{StateExpired, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.inactive, tt.state.IsInactive())
		})
	}
}

func TestParseLifecycleState(t *testing.T) {
	st, err := ParseLifecycleState("APPROVED")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, st)

	_, err = ParseLifecycleState("approved")
	require.Error(t, err)
}

func TestRejection_ErrorsIsAndAs(t *testing.T) {
	err := fmt.Errorf("approve: %w", Reject(ReasonNotFound, "p1", ""))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsRejected(err, ReasonNotFound))
	assert.False(t, IsRejected(err, ReasonNotInDraft))

	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "p1", r.EntityID)

	other := Reject(ReasonNotInDraft, "p1", StateApproved)
	assert.False(t, errors.Is(other, ErrNotFound))
	assert.Contains(t, other.Error(), "current state APPROVED")
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient("get", nil))

	down := errors.New("connection refused")
	err := Transient("get", down)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, down)

	// Rejections pass through untouched.
	rej := Reject(ReasonAlreadyActive, "p1", StateDraft)
	assert.Same(t, rej, Transient("create", rej))
	assert.False(t, IsTransient(rej))

	// No double wrapping.
	assert.Same(t, err, Transient("create", err))
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition(StateApproved, StateClosed))
	assert.NoError(t, CheckTransition(StateDraft, StateCancelled))
	assert.Error(t, CheckTransition(StateClosed, StateExpired))
	assert.Error(t, CheckTransition(StateDraft, StateApproved))
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := &Record{EntityID: "p1", Attributes: map[string]string{"title": "a"}}
	cp := r.Clone()
	cp.Attributes["title"] = "b"
	assert.Equal(t, "a", r.Attributes["title"])
	assert.Nil(t, (*Record)(nil).Clone())
}
