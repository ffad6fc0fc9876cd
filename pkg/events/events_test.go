package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/pubflow/pkg/status"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	ev := StatusChanged{
		EntityID:       "p1",
		CorrelationID:  "c1",
		LifecycleState: status.StateApproved,
		ModifiedAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Sequence:       "00000000000000000003",
	}
	env, err := NewEnvelope("pubflow.relay", ev)
	require.NoError(t, err)
	assert.Equal(t, "p1:00000000000000000003", env.ID)
	assert.Equal(t, TypeStatusChanged, env.Type)
	assert.Equal(t, "p1", env.Key)

	data, err := env.Encode()
	require.NoError(t, err)
	back, err := DecodeEnvelope(data)
	require.NoError(t, err)

	decoded, err := back.Event()
	require.NoError(t, err)
	assert.Equal(t, &ev, decoded)
}

func TestEnvelope_IDs(t *testing.T) {
	env, err := NewEnvelope("pubflow.orchestrator", EvaluationCompleted{EntityID: "p1", InstanceID: "wf-1", Result: ResultPass})
	require.NoError(t, err)
	assert.Equal(t, "wf-1:evaluation", env.ID)

	a, err := NewEnvelope("ingest", ApprovalRequested{EntityID: "p1"})
	require.NoError(t, err)
	b, err := NewEnvelope("ingest", ApprovalRequested{EntityID: "p1"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEnvelope_UnknownType(t *testing.T) {
	_, err := Envelope{Type: "Nope", Detail: []byte(`{}`)}.Event()
	require.Error(t, err)
}

type sink struct {
	got []Envelope
	err error
}

func (s *sink) PublishEnvelope(_ context.Context, env Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, env)
	return nil
}

func TestForwardingRouter(t *testing.T) {
	partner := &sink{}
	audit := &sink{}
	r := NewForwardingRouter(nil,
		Rule{Name: "partner", Types: []string{TypeEvaluationCompleted}, Target: partner},
		Rule{Name: "audit", Target: audit},
	)

	ctx := context.Background()
	require.NoError(t, r.Route(ctx, Envelope{ID: "1", Type: TypeEvaluationCompleted}))
	require.NoError(t, r.Route(ctx, Envelope{ID: "2", Type: TypeStatusChanged}))

	assert.Len(t, partner.got, 1)
	assert.Len(t, audit.got, 2)

	partner.err = errors.New("unreachable")
	err := r.Handler()(ctx, Envelope{ID: "3", Type: TypeEvaluationCompleted})
	require.Error(t, err)
	assert.Len(t, audit.got, 2, "routing stops at the first failure")
}
