// Package eventbus implements events.Bus in memory and on Redis Streams.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petrijr/pubflow/pkg/events"
)

// MemoryBus delivers envelopes synchronously to the handlers subscribed
// to their type and keeps every published envelope for inspection.
// Handler errors are logged; they never fail the publisher.
type MemoryBus struct {
	source string
	log    *slog.Logger

	mu        sync.RWMutex
	handlers  map[string][]events.Handler
	published []events.Envelope
}

var _ events.Bus = (*MemoryBus)(nil)

func NewMemoryBus(source string, logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		source:   source,
		log:      logger,
		handlers: map[string][]events.Handler{},
	}
}

func (b *MemoryBus) Subscribe(eventType string, h events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

func (b *MemoryBus) Publish(ctx context.Context, ev events.Event) error {
	env, err := events.NewEnvelope(b.source, ev)
	if err != nil {
		return err
	}
	return b.PublishEnvelope(ctx, env)
}

func (b *MemoryBus) PublishEnvelope(ctx context.Context, env events.Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env)
	hs := append(append([]events.Handler(nil), b.handlers[env.Type]...), b.handlers["*"]...)
	b.mu.Unlock()

	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			b.log.Error("event handler failed", "event_id", env.ID, "type", env.Type, "error", err)
		}
	}
	return nil
}

// Published returns the envelopes published so far, optionally filtered
// by type.
func (b *MemoryBus) Published(eventType string) []events.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []events.Envelope
	for _, env := range b.published {
		if eventType == "" || env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}
