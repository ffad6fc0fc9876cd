package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue with four keys:
//
//	<prefix>tasks   => ZSET of ready task ids, scored by NotBefore (unix µs)
//	<prefix>leases  => ZSET of leased task ids, scored by lease expiry (unix µs)
//	<prefix>data    => HASH task id -> gob-encoded Task
//	<prefix>owners  => HASH task id -> lease owner
//
// Members with equal scores are ordered by id, so ordering is only FIFO at
// microsecond granularity.
type RedisQueue struct {
	client *redis.Client
	keys   []string
	poll   time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "pubflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "pubflow:"
	}
	return &RedisQueue{
		client: client,
		keys:   []string{prefix + "tasks", prefix + "leases", prefix + "data", prefix + "owners"},
		poll:   50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// redisLeaseLua returns expired leases to the ready set, then leases the
// earliest due task to ARGV[2] until ARGV[3]. ARGV[1] is now.
var redisLeaseLua = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local id = due[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', KEYS[4], id, ARGV[2])
return redis.call('HGET', KEYS[3], id)
`)

// redisAckLua deletes ARGV[1] when it is leased to ARGV[2].
var redisAckLua = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// redisNackLua stores ARGV[3] for ARGV[1] and makes it ready at ARGV[4]
// when it is leased to ARGV[2].
var redisNackLua = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now().UTC())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keys[2], t.ID, data)
	pipe.ZAdd(ctx, q.keys[0], redis.Z{Score: float64(t.NotBefore.UnixMicro()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue polls until a due task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if owner == "" || leaseTTL <= 0 {
		return nil, errors.New("taskqueue: dequeue needs an owner and a positive lease")
	}
	tmr := time.NewTimer(0)
	<-tmr.C
	defer tmr.Stop()

	for {
		now := time.Now()
		data, err := redisLeaseLua.Run(ctx, q.client, q.keys, micros(now), owner, micros(now.Add(leaseTTL))).Text()
		switch {
		case err == nil:
			return DecodeTask([]byte(data))
		case !errors.Is(err, redis.Nil):
			return nil, err
		}

		tmr.Reset(q.poll)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := redisAckLua.Run(ctx, q.client, q.keys, taskID, owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, t Task, owner string) error {
	t = prepare(t, time.Now().UTC())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	n, err := redisNackLua.Run(ctx, q.client, q.keys, t.ID, owner, data, micros(t.NotBefore)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the number of stored tasks, due, pending or leased.
func (q *RedisQueue) Len() int {
	n, err := q.client.HLen(context.Background(), q.keys[2]).Result()
	if err != nil {
		slog.Warn("redis queue length unavailable", "error", err)
		return 0
	}
	return int(n)
}
