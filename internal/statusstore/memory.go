package statusstore

import (
	"context"
	"sync"

	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

// MemoryStore keeps records in a map. A single mutex serializes every
// write together with its change log append.
type MemoryStore struct {
	*changefeed.MemoryLog

	mu      sync.RWMutex
	records map[string]*status.Record
	opts    Options
}

var (
	_ status.Store    = (*MemoryStore)(nil)
	_ changefeed.Feed = (*MemoryStore)(nil)
)

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		MemoryLog: changefeed.NewMemoryLogWithClock(o.Shards, o.Now),
		records:   map[string]*status.Record{},
		opts:      o,
	}
}

// mutate applies rule to the current record of entityID and, when it
// yields a change, stores it and appends to the log.
func (s *MemoryStore) mutate(entityID string, rule func(prev *status.Record) (mutation, error)) (*status.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[entityID]
	m, err := rule(prev.Clone())
	if err != nil {
		return nil, err
	}
	if m.next == nil {
		return prev.Clone(), nil
	}
	s.records[entityID] = m.next.Clone()
	s.Append(m.change(s.opts.Now()))
	return m.next.Clone(), nil
}

func (s *MemoryStore) CreateRecord(_ context.Context, entityID string, attrs map[string]string) (*status.Record, error) {
	return s.mutate(entityID, func(prev *status.Record) (mutation, error) {
		return applyCreate(prev, entityID, attrs, s.opts)
	})
}

func (s *MemoryStore) ApproveRecord(_ context.Context, entityID string) (*status.Record, error) {
	return s.mutate(entityID, func(prev *status.Record) (mutation, error) {
		return applyApprove(prev, entityID, s.opts)
	})
}

func (s *MemoryStore) AttachResumeToken(_ context.Context, entityID, token string) error {
	_, err := s.mutate(entityID, func(prev *status.Record) (mutation, error) {
		return applyAttach(prev, entityID, token)
	})
	return err
}

func (s *MemoryStore) DetachResumeToken(_ context.Context, entityID, token string) error {
	_, err := s.mutate(entityID, func(prev *status.Record) (mutation, error) {
		return applyDetach(prev, entityID, token)
	})
	return err
}

func (s *MemoryStore) TransitionRecord(_ context.Context, entityID string, from, to status.LifecycleState) (*status.Record, error) {
	return s.mutate(entityID, func(prev *status.Record) (mutation, error) {
		return applyTransition(prev, entityID, from, to, s.opts)
	})
}

func (s *MemoryStore) GetRecord(_ context.Context, entityID string) (*status.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[entityID]
	return rec.Clone(), ok, nil
}
