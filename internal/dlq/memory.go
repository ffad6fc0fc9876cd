package dlq

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in a slice.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Push(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Payload = append([]byte(nil), e.Payload...)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if !opts.matches(e) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (o ListOptions) matches(e Entry) bool {
	if o.Source != "" && e.Source != o.Source {
		return false
	}
	if o.Reason != "" && e.Reason != o.Reason {
		return false
	}
	return true
}
