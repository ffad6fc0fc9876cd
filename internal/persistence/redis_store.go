package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/pubflow/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => gob-encoded redisInstancePayload
//	<prefix>status:<id>          => current status, authoritative over the payload
//	<prefix>token:<token>        => id of the instance that minted token
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:wf:<workflow>    => SET of instance IDs for a given workflow
//
// The status lives in its own key so ClaimWaiting can compare-and-set it
// from a Lua script.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

type redisInstancePayload struct {
	ID          string
	Workflow    string
	Version     string
	CurrentStep string
	Input       []byte
	Output      []byte
	Pending     []byte
	ResumeToken string
	Outcome     string
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
}

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "pubflow:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "pubflow:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyStatus(id string) string {
	return s.prefix + "status:" + id
}

func (s *RedisInstanceStore) keyToken(token string) string {
	return s.prefix + "token:" + token
}

func (s *RedisInstanceStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisInstanceStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func encodeRedisPayload(inst *api.WorkflowInstance) ([]byte, error) {
	row, err := encodeInstanceRow(inst)
	if err != nil {
		return nil, err
	}

	payload := redisInstancePayload{
		ID:          inst.ID,
		Workflow:    inst.Name,
		Version:     inst.Version,
		CurrentStep: inst.CurrentStep,
		Input:       row.input,
		Output:      row.output,
		Pending:     row.pending,
		ResumeToken: inst.ResumeToken,
		Outcome:     string(inst.Outcome),
		Error:       errorText(inst.Err),
		CreatedAt:   inst.CreatedAt.UnixNano(),
		UpdatedAt:   inst.UpdatedAt.UnixNano(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisPayload(data []byte, status string) (*api.WorkflowInstance, error) {
	var payload redisInstancePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:          payload.ID,
		Name:        payload.Workflow,
		Version:     payload.Version,
		Status:      api.Status(status),
		CurrentStep: payload.CurrentStep,
		ResumeToken: payload.ResumeToken,
		Outcome:     api.Outcome(payload.Outcome),
		Err:         errorFromText(payload.Error),
		CreatedAt:   time.Unix(0, payload.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, payload.UpdatedAt).UTC(),
	}

	var err error
	if inst.Input, err = DecodeValue[any](payload.Input); err != nil {
		return nil, err
	}
	if inst.Output, err = DecodeValue[any](payload.Output); err != nil {
		return nil, err
	}
	if inst.Pending, err = DecodeValue[any](payload.Pending); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *RedisInstanceStore) write(ctx context.Context, inst *api.WorkflowInstance, prevToken string) error {
	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
	pipe.Set(ctx, s.keyStatus(inst.ID), string(inst.Status), 0)
	if prevToken != "" && prevToken != inst.ResumeToken {
		pipe.Del(ctx, s.keyToken(prevToken))
	}
	if inst.ResumeToken != "" {
		pipe.Set(ctx, s.keyToken(inst.ResumeToken), inst.ID, 0)
	}
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyWorkflow(inst.Name), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	return s.write(ctx, inst, "")
}

func (s *RedisInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	prev, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	return s.write(ctx, inst, prev.ResumeToken)
}

func (s *RedisInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	pipe := s.client.Pipeline()
	dataCmd := pipe.Get(ctx, s.keyInstance(id))
	statusCmd := pipe.Get(ctx, s.keyStatus(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := dataCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisPayload(data, statusCmd.Val())
}

func (s *RedisInstanceStore) FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	id, err := s.client.Get(ctx, s.keyToken(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// redisClaimLua moves the status of the instance owning KEYS[1] from
// WAITING to RUNNING. ARGV[1] is the status key prefix.
// Returns {0} when the token is unknown, {1, id} when the instance is not
// waiting and {2, id} when the claim succeeded.
const redisClaimLua = `
local id = redis.call('GET', KEYS[1])
if not id then
  return {0}
end
local key = ARGV[1] .. id
if redis.call('GET', key) ~= 'WAITING' then
  return {1, id}
end
redis.call('SET', key, 'RUNNING')
return {2, id}
`

func (s *RedisInstanceStore) ClaimWaiting(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	res, err := s.client.Eval(ctx, redisClaimLua, []string{s.keyToken(token)}, s.prefix+"status:").Slice()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("claim: unexpected script result %v", res)
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		return nil, ErrTokenNotFound
	case 1:
		return nil, ErrStaleToken
	}

	id, _ := res[1].(string)
	return s.GetInstance(ctx, id)
}

func (s *RedisInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		ids []string
		err error
	)
	if filter.WorkflowName != "" {
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.WorkflowName)).Result()
	} else {
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}

	instances := make([]*api.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if errors.Is(err, ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.matches(inst) {
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}
