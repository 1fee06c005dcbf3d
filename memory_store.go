package bizflow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a goroutine-safe DefinitionStore and InstanceStore backed by
// maps. It is the engine's default store and the substrate for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*ProcessDefinition
	instances   map[string]*ProcessInstance
	events      map[string][]AuditEntry
}

var (
	_ DefinitionStore = (*MemoryStore)(nil)
	_ InstanceStore   = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*ProcessDefinition),
		instances:   make(map[string]*ProcessInstance),
		events:      make(map[string][]AuditEntry),
	}
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID()] = def
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[id]; !ok {
		return ErrDefinitionNotFound
	}
	delete(s.definitions, id)
	return nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *ProcessInstance, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %q already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Copy()
	s.events[inst.ID] = append(s.events[inst.ID], entry)
	return nil
}

func (s *MemoryStore) CommitOperation(ctx context.Context, inst *ProcessInstance, expectedStatus InstanceStatus, expectedStep string, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if current.Status != expectedStatus || current.CurrentStep != expectedStep {
		return ErrConcurrentModification
	}
	s.instances[inst.ID] = inst.Copy()
	s.events[inst.ID] = append(s.events[inst.ID], entry)
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Copy(), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ProcessInstance
	for _, inst := range s.instances {
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.BusinessKey != "" && inst.BusinessKey != filter.BusinessKey {
			continue
		}
		result = append(result, inst.Copy())
	}
	return result, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]AuditEntry(nil), s.events[instanceID]...), nil
}
