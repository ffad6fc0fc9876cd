package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/pubflow/internal/testutil"
	"github.com/petrijr/pubflow/pkg/events"
)

func TestMemoryBus_DeliversByType(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus("test", nil)

	var approvals, all int
	bus.Subscribe(events.TypeApprovalRequested, func(context.Context, events.Envelope) error {
		approvals++
		return nil
	})
	bus.Subscribe("*", func(context.Context, events.Envelope) error {
		all++
		return errors.New("ignored")
	})

	require.NoError(t, bus.Publish(ctx, events.ApprovalRequested{EntityID: "p1"}))
	require.NoError(t, bus.Publish(ctx, events.EvaluationCompleted{EntityID: "p1", InstanceID: "wf-1", Result: events.ResultPass}))

	assert.Equal(t, 1, approvals)
	assert.Equal(t, 2, all)
	assert.Len(t, bus.Published(""), 2)

	done := bus.Published(events.TypeEvaluationCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "wf-1:evaluation", done[0].ID)
	assert.Equal(t, "test", done[0].Source)
}

func TestRedisBus_PublishAndConsume(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	bus := NewRedisBus(client, RedisBusConfig{Stream: "pubflow:test:" + uuid.NewString(), Source: "test"})

	var got []events.Envelope
	fail := true
	bus.Subscribe(events.TypeStatusChanged, func(_ context.Context, env events.Envelope) error {
		if env.Key == "p2" && fail {
			return errors.New("not yet")
		}
		got = append(got, env)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, events.StatusChanged{EntityID: "p1", LifecycleState: "DRAFT", Sequence: "1"}))
	require.NoError(t, bus.Publish(ctx, events.StatusChanged{EntityID: "p2", LifecycleState: "APPROVED", Sequence: "2"}))

	n, err := bus.Poll(ctx, "c1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed envelope stays pending")
	require.Len(t, got, 1)
	assert.Equal(t, "p1:1", got[0].ID)

	ev, err := got[0].Event()
	require.NoError(t, err)
	assert.Equal(t, "p1", ev.(*events.StatusChanged).EntityID)

	n, err = bus.Poll(ctx, "c1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
}
