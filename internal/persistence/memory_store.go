package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/pubflow/pkg/api"
)

// InMemoryStore keeps definitions and instances in maps, plus a token
// index for FindByToken and ClaimWaiting. Instances are copied in and out.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]api.WorkflowDefinition
	instances map[string]*api.WorkflowInstance
	byToken   map[string]string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]api.WorkflowDefinition),
		instances: make(map[string]*api.WorkflowInstance),
		byToken:   make(map[string]string),
	}
}

var (
	_ WorkflowStore = (*InMemoryStore)(nil)
	_ InstanceStore = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveWorkflow(def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[def.Name] = def
	return nil
}

func (s *InMemoryStore) GetWorkflow(name string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}

	return def, nil
}

func cloneInstance(inst *api.WorkflowInstance) *api.WorkflowInstance {
	cp := *inst
	return &cp
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = cloneInstance(inst)
	if inst.ResumeToken != "" {
		s.byToken[inst.ResumeToken] = inst.ID
	}
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if prev.ResumeToken != "" && prev.ResumeToken != inst.ResumeToken {
		delete(s.byToken, prev.ResumeToken)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	if inst.ResumeToken != "" {
		s.byToken[inst.ResumeToken] = inst.ID
	}
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return cloneInstance(inst), nil
}

func (s *InMemoryStore) FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return cloneInstance(s.instances[id]), nil
}

func (s *InMemoryStore) ClaimWaiting(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	inst := s.instances[id]
	if inst.Status != api.StatusWaiting {
		return nil, ErrStaleToken
	}

	inst.Status = api.StatusRunning
	inst.UpdatedAt = time.Now().UTC()
	return cloneInstance(inst), nil
}

func (f InstanceFilter) matches(inst *api.WorkflowInstance) bool {
	return (f.WorkflowName == "" || inst.Name == f.WorkflowName) &&
		(f.Status == "" || inst.Status == f.Status)
}

// ListInstances returns matching instances, oldest first.
func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.matches(inst) {
			result = append(result, cloneInstance(inst))
		}
	}
	slices.SortFunc(result, func(a, b *api.WorkflowInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}
