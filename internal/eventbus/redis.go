package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/pubflow/pkg/events"
)

// RedisBus publishes envelopes to a Redis stream and dispatches them to
// subscribers through a consumer group. An envelope whose handler fails
// stays pending in the group and is not acknowledged.
type RedisBus struct {
	client *redis.Client
	stream string
	group  string
	source string
	log    *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]events.Handler
}

var _ events.Bus = (*RedisBus)(nil)

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	Stream string // default "pubflow:events"
	Group  string // consumer group, default "pubflow"
	Source string
	Logger *slog.Logger
}

func NewRedisBus(client *redis.Client, cfg RedisBusConfig) *RedisBus {
	if cfg.Stream == "" {
		cfg.Stream = "pubflow:events"
	}
	if cfg.Group == "" {
		cfg.Group = "pubflow"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisBus{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		source:   cfg.Source,
		log:      cfg.Logger,
		handlers: map[string][]events.Handler{},
	}
}

func (b *RedisBus) Subscribe(eventType string, h events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

func (b *RedisBus) Publish(ctx context.Context, ev events.Event) error {
	env, err := events.NewEnvelope(b.source, ev)
	if err != nil {
		return err
	}
	return b.PublishEnvelope(ctx, env)
}

func (b *RedisBus) PublishEnvelope(ctx context.Context, env events.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"type": env.Type, "envelope": string(data)},
	}).Err()
}

// ensureGroup creates the consumer group, starting at the beginning of
// the stream.
func (b *RedisBus) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Run reads the stream as consumer until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context, consumer string) error {
	if err := b.ensureGroup(ctx); err != nil {
		return fmt.Errorf("eventbus: create group: %w", err)
	}
	for {
		if _, err := b.Poll(ctx, consumer, time.Second); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Poll reads one batch, blocking up to block, dispatches it and returns
// the number of envelopes acknowledged.
func (b *RedisBus) Poll(ctx context.Context, consumer string, block time.Duration) (int, error) {
	if err := b.ensureGroup(ctx); err != nil {
		return 0, err
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{b.stream, ">"},
		Count:    100,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			if b.dispatch(ctx, msg) {
				if err := b.client.XAck(ctx, b.stream, b.group, msg.ID).Err(); err != nil {
					return acked, err
				}
				acked++
			}
		}
	}
	return acked, nil
}

func (b *RedisBus) dispatch(ctx context.Context, msg redis.XMessage) bool {
	raw, _ := msg.Values["envelope"].(string)
	env, err := events.DecodeEnvelope([]byte(raw))
	if err != nil {
		// Poison message: acknowledge so it does not block the group.
		b.log.Error("dropping undecodable event", "message_id", msg.ID, "error", err)
		return true
	}

	b.mu.RLock()
	hs := append(append([]events.Handler(nil), b.handlers[env.Type]...), b.handlers["*"]...)
	b.mu.RUnlock()

	ok := true
	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			b.log.Error("event handler failed", "event_id", env.ID, "type", env.Type, "error", err)
			ok = false
		}
	}
	return ok
}
