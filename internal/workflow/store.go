package workflow

import (
	"context"

	"github.com/pitabwire/careflow/model"
)

// InstanceStore persists workflow instances and their audit events.
type InstanceStore interface {
	// Create persists a new instance. Returns CONFLICT if the id exists.
	Create(ctx context.Context, inst model.Instance) error

	// Get retrieves an instance by id. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, instanceID string) (model.Instance, error)

	// Update persists an updated instance with optimistic locking. The
	// instance version must match the stored version; the stored version is
	// incremented. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, inst model.Instance) error

	// AppendEvent adds an event to the instance's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents retrieves all events for an instance, oldest first.
	GetEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error)

	// List returns instances matching the filters, newest first, together
	// with the total number of matches ignoring Limit and Offset.
	List(ctx context.Context, filters InstanceFilters) ([]model.Instance, int, error)
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	DefinitionID string
	Statuses     []model.InstanceStatus
	ParentID     string
	Limit        int
	Offset       int
}

func (f InstanceFilters) matches(inst model.Instance) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.ParentID != "" && (inst.Parent == nil || inst.Parent.InstanceID != f.ParentID) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}
