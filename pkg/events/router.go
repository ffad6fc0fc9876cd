package events

import (
	"context"
	"fmt"
	"log/slog"
)

// Router forwards envelopes between independently owned buses.
type Router interface {
	Route(ctx context.Context, env Envelope) error
}

// Rule sends envelopes of the listed types (or all types when empty) to
// Target.
type Rule struct {
	Name   string
	Types  []string
	Target EnvelopePublisher
}

func (r Rule) matches(eventType string) bool {
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// ForwardingRouter applies every matching rule in order.
type ForwardingRouter struct {
	rules []Rule
	log   *slog.Logger
}

var _ Router = (*ForwardingRouter)(nil)

func NewForwardingRouter(logger *slog.Logger, rules ...Rule) *ForwardingRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForwardingRouter{rules: rules, log: logger}
}

// Route forwards env to every matching target. The first failure stops
// routing and is returned so the caller can redeliver.
func (r *ForwardingRouter) Route(ctx context.Context, env Envelope) error {
	for _, rule := range r.rules {
		if !rule.matches(env.Type) {
			continue
		}
		if err := rule.Target.PublishEnvelope(ctx, env); err != nil {
			return fmt.Errorf("events: route %s via %s: %w", env.ID, rule.Name, err)
		}
		r.log.Debug("event routed", "event_id", env.ID, "type", env.Type, "rule", rule.Name)
	}
	return nil
}

// Handler adapts the router to a bus subscription.
func (r *ForwardingRouter) Handler() Handler {
	return r.Route
}
