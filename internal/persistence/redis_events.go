package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/pubflow/pkg/api"
)

// RedisEventStore keeps each instance's history in a list at
// <prefix>events:<instance id>, oldest entry first.
type RedisEventStore struct {
	client *redis.Client
	prefix string
}

var _ EventStore = (*RedisEventStore)(nil)

type redisEvent struct {
	At              int64
	Type            string
	WorkflowName    string
	WorkflowVersion string
	Step            string
	Detail          string
}

// NewRedisEventStore uses the same prefix convention as
// NewRedisInstanceStore.
func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "pubflow:"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) key(instanceID string) string {
	return s.prefix + "events:" + instanceID
}

func (s *RedisEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&redisEvent{
		At:              ev.At.UnixNano(),
		Type:            string(ev.Type),
		WorkflowName:    ev.WorkflowName,
		WorkflowVersion: ev.WorkflowVersion,
		Step:            ev.Step,
		Detail:          ev.Detail,
	}); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.client.RPush(ctx, s.key(ev.InstanceID), buf.Bytes()).Err()
}

func (s *RedisEventStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	raw, err := s.client.LRange(ctx, s.key(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(raw))
	for _, r := range raw {
		var ev redisEvent
		if err := gob.NewDecoder(bytes.NewReader([]byte(r))).Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode event of %s: %w", instanceID, err)
		}
		out = append(out, api.WorkflowEvent{
			InstanceID:      instanceID,
			At:              time.Unix(0, ev.At).UTC(),
			Type:            api.EventType(ev.Type),
			WorkflowName:    ev.WorkflowName,
			WorkflowVersion: ev.WorkflowVersion,
			Step:            ev.Step,
			Detail:          ev.Detail,
		})
	}
	return out, nil
}
