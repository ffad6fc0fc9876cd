package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

// RedisStore is a status.Store on Redis. Key layout:
//
//	<prefix>rec:<entity>          => HASH {version, data}
//	<prefix>changes               => STREAM of change records
//	<prefix>cursor:<consumer>     => last stream id committed by consumer
//	<prefix>redeliver:<consumer>  => HASH stream id -> attempts
//	<prefix>due:<consumer>        => ZSET stream id scored by not-before (unix ms)
//
// Writes run casScript, which checks the version, rewrites the record and
// XADDs the change in one script invocation.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

var (
	_ status.Store    = (*RedisStore)(nil)
	_ changefeed.Feed = (*RedisStore)(nil)
)

// casScript: KEYS[1] record hash, KEYS[2] change stream.
// ARGV: expected version ("" when absent), new version, record data, change.
// Returns the stream id, or nil when the version moved.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then cur = '' end
if cur ~= ARGV[1] then
  return false
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
return redis.call('XADD', KEYS[2], '*', 'change', ARGV[4])
`)

// NewRedisStore creates a RedisStore. prefix defaults to "pubflow:status:".
func NewRedisStore(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = "pubflow:status:"
	}
	return &RedisStore{client: client, prefix: prefix, opts: buildOptions(opts)}
}

func (s *RedisStore) keyRecord(id string) string       { return s.prefix + "rec:" + id }
func (s *RedisStore) keyStream() string                { return s.prefix + "changes" }
func (s *RedisStore) keyCursor(consumer string) string { return s.prefix + "cursor:" + consumer }
func (s *RedisStore) keyRedeliver(consumer string) string {
	return s.prefix + "redeliver:" + consumer
}
func (s *RedisStore) keyDue(consumer string) string { return s.prefix + "due:" + consumer }

func (s *RedisStore) load(ctx context.Context, entityID string) (*status.Record, string, error) {
	vals, err := s.client.HMGet(ctx, s.keyRecord(entityID), "version", "data").Result()
	if err != nil {
		return nil, "", err
	}
	version, _ := vals[0].(string)
	data, _ := vals[1].(string)
	if version == "" || data == "" {
		return nil, "", nil
	}
	var img changefeed.Image
	if err := json.Unmarshal([]byte(data), &img); err != nil {
		return nil, "", fmt.Errorf("decode record %s: %w", entityID, err)
	}
	rec, err := changefeed.RecordOf(img)
	if err != nil {
		return nil, "", err
	}
	return rec, version, nil
}

func (s *RedisStore) GetRecord(ctx context.Context, entityID string) (*status.Record, bool, error) {
	rec, _, err := s.load(ctx, entityID)
	if err != nil {
		return nil, false, status.Transient("get record", err)
	}
	return rec, rec != nil, nil
}

func (s *RedisStore) mutate(ctx context.Context, op, entityID string, rule func(prev *status.Record) (mutation, error)) (*status.Record, error) {
	for i := 0; i < maxCASRetries; i++ {
		prev, version, err := s.load(ctx, entityID)
		if err != nil {
			return nil, status.Transient(op, err)
		}
		m, err := rule(prev.Clone())
		if err != nil {
			return nil, err
		}
		if m.next == nil {
			return prev, nil
		}

		next := "1"
		if version != "" {
			n, err := strconv.ParseInt(version, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("statusstore: bad version %q for %s", version, entityID)
			}
			next = strconv.FormatInt(n+1, 10)
		}

		change := m.change(s.opts.Now())
		change.Shard = changefeed.ShardOf(entityID, s.opts.Shards)
		data, err := json.Marshal(change.NewImage)
		if err != nil {
			return nil, err
		}
		changeJSON, err := json.Marshal(change)
		if err != nil {
			return nil, err
		}

		err = casScript.Run(ctx, s.client,
			[]string{s.keyRecord(entityID), s.keyStream()},
			version, next, string(data), string(changeJSON)).Err()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, status.Transient(op, err)
		}
		return m.next, nil
	}
	return nil, status.Transient(op, errWriteConflict)
}

func (s *RedisStore) CreateRecord(ctx context.Context, entityID string, attrs map[string]string) (*status.Record, error) {
	return s.mutate(ctx, "create record", entityID, func(prev *status.Record) (mutation, error) {
		return applyCreate(prev, entityID, attrs, s.opts)
	})
}

func (s *RedisStore) ApproveRecord(ctx context.Context, entityID string) (*status.Record, error) {
	return s.mutate(ctx, "approve record", entityID, func(prev *status.Record) (mutation, error) {
		return applyApprove(prev, entityID, s.opts)
	})
}

func (s *RedisStore) AttachResumeToken(ctx context.Context, entityID, token string) error {
	_, err := s.mutate(ctx, "attach resume token", entityID, func(prev *status.Record) (mutation, error) {
		return applyAttach(prev, entityID, token)
	})
	return err
}

func (s *RedisStore) DetachResumeToken(ctx context.Context, entityID, token string) error {
	_, err := s.mutate(ctx, "detach resume token", entityID, func(prev *status.Record) (mutation, error) {
		return applyDetach(prev, entityID, token)
	})
	return err
}

func (s *RedisStore) TransitionRecord(ctx context.Context, entityID string, from, to status.LifecycleState) (*status.Record, error) {
	return s.mutate(ctx, "transition record", entityID, func(prev *status.Record) (mutation, error) {
		return applyTransition(prev, entityID, from, to, s.opts)
	})
}

// Feed side.

// streamID is a parsed "<ms>-<seq>" stream entry id.
type streamID struct{ ms, seq uint64 }

func parseStreamID(id string) (streamID, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return streamID{}, fmt.Errorf("statusstore: bad stream id %q", id)
	}
	a, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return streamID{}, err
	}
	b, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return streamID{}, err
	}
	return streamID{a, b}, nil
}

func (a streamID) less(b streamID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func decodeMessage(msg redis.XMessage) (changefeed.ChangeRecord, error) {
	raw, _ := msg.Values["change"].(string)
	var c changefeed.ChangeRecord
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("statusstore: decode change %s: %w", msg.ID, err)
	}
	c.Sequence = msg.ID
	return c, nil
}

func (s *RedisStore) Fetch(ctx context.Context, consumer string, max int) ([]changefeed.ChangeRecord, error) {
	if max <= 0 {
		max = 100
	}
	pending, err := s.client.ZRangeByScore(ctx, s.keyDue(consumer), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.opts.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, status.Transient("fetch redeliveries", err)
	}
	ids := make([]streamID, 0, len(pending))
	byID := make(map[streamID]string, len(pending))
	for _, p := range pending {
		id, err := parseStreamID(p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		byID[id] = p
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })

	out := make([]changefeed.ChangeRecord, 0, max)
	for _, id := range ids {
		if len(out) == max {
			return out, nil
		}
		seq := byID[id]
		msgs, err := s.client.XRange(ctx, s.keyStream(), seq, seq).Result()
		if err != nil {
			return nil, status.Transient("fetch redeliveries", err)
		}
		for _, m := range msgs {
			c, err := decodeMessage(m)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}

	cursor, err := s.client.Get(ctx, s.keyCursor(consumer)).Result()
	if errors.Is(err, redis.Nil) {
		cursor = "0-0"
	} else if err != nil {
		return nil, status.Transient("fetch changes", err)
	}
	msgs, err := s.client.XRangeN(ctx, s.keyStream(), "("+cursor, "+", int64(max-len(out))).Result()
	if err != nil {
		return nil, status.Transient("fetch changes", err)
	}
	for _, m := range msgs {
		c, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RedisStore) Commit(ctx context.Context, consumer string, batch []changefeed.ChangeRecord, failed []changefeed.Retry) error {
	if len(batch) == 0 {
		return nil
	}
	retries := make(map[string]time.Time, len(failed))
	for _, r := range failed {
		retries[r.Sequence] = r.NotBefore
	}

	cursor := "0-0"
	if cur, err := s.client.Get(ctx, s.keyCursor(consumer)).Result(); err == nil {
		cursor = cur
	} else if !errors.Is(err, redis.Nil) {
		return status.Transient("commit", err)
	}
	top, err := parseStreamID(cursor)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, rec := range batch {
		id, err := parseStreamID(rec.Sequence)
		if err != nil {
			return err
		}
		if top.less(id) {
			top, cursor = id, rec.Sequence
		}
		if notBefore, bad := retries[rec.Sequence]; bad {
			var due float64
			if !notBefore.IsZero() {
				due = float64(notBefore.UnixMilli())
			}
			pipe.HIncrBy(ctx, s.keyRedeliver(consumer), rec.Sequence, 1)
			pipe.ZAdd(ctx, s.keyDue(consumer), redis.Z{Score: due, Member: rec.Sequence})
		} else {
			pipe.HDel(ctx, s.keyRedeliver(consumer), rec.Sequence)
			pipe.ZRem(ctx, s.keyDue(consumer), rec.Sequence)
		}
	}
	pipe.Set(ctx, s.keyCursor(consumer), cursor, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return status.Transient("commit", err)
	}
	return nil
}

func (s *RedisStore) Attempts(ctx context.Context, consumer, seq string) (int, error) {
	n, err := s.client.HGet(ctx, s.keyRedeliver(consumer), seq).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, status.Transient("attempts", err)
	}
	return n, nil
}
