package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an event.
type Envelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Key    string          `json:"key,omitempty"`
	Time   time.Time       `json:"time"`
	Detail json.RawMessage `json:"detail"`
}

// NewEnvelope wraps ev. Identified events keep their id; others get a
// fresh uuid.
func NewEnvelope(source string, ev Event) (Envelope, error) {
	detail, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s: %w", ev.EventType(), err)
	}
	id := ""
	if idf, ok := ev.(Identified); ok {
		id = idf.EventID()
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Envelope{
		ID:     id,
		Type:   ev.EventType(),
		Source: source,
		Key:    ev.Key(),
		Time:   time.Now().UTC(),
		Detail: detail,
	}, nil
}

// Encode returns the JSON form of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses the JSON form of an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	return e, nil
}

// Event decodes Detail into the concrete type matching Type.
func (e Envelope) Event() (Event, error) {
	var ev Event
	switch e.Type {
	case TypeStatusChanged:
		ev = &StatusChanged{}
	case TypeApprovalRequested:
		ev = &ApprovalRequested{}
	case TypeEvaluationCompleted:
		ev = &EvaluationCompleted{}
	default:
		return nil, fmt.Errorf("events: unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Detail, ev); err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", e.Type, err)
	}
	return ev, nil
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// EnvelopePublisher publishes already wrapped events, keeping their id.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env Envelope) error
}

// Handler consumes envelopes.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber registers handlers per event type. The type "*" matches
// every event.
type Subscriber interface {
	Subscribe(eventType string, h Handler)
}

// Bus is a publisher and subscriber.
type Bus interface {
	Publisher
	EnvelopePublisher
	Subscriber
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
