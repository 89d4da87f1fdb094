package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/careflow/model"
)

// MemoryStore is an in-memory InstanceStore for tests and single-process
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.Instance       // key: instance ID
	events    map[string][]model.WorkflowEvent // key: instance ID
}

// NewMemoryStore creates a new in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.Instance),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by ID. The returned value is a deep copy.
func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.Instance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	return inst.Clone(), nil
}

// Update persists an updated instance with optimistic locking. UpdatedAt
// is stored as given.
func (s *MemoryStore) Update(_ context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", inst.ID),
		)
	}

	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	stored := inst.Clone()
	stored.Version++
	s.instances[inst.ID] = stored
	return nil
}

// AppendEvent adds an event to the instance's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Data = model.CloneVars(event.Data)
	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// GetEvents retrieves all events for an instance in append order.
func (s *MemoryStore) GetEvents(_ context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}

	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns instances matching filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters InstanceFilters) ([]model.Instance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Instance
	for _, inst := range s.instances {
		if filters.matches(inst) {
			result = append(result, inst)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	total := len(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Instance{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	out := make([]model.Instance, len(result))
	for i := range result {
		out[i] = result[i].Clone()
	}
	return out, total, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
