package definition

import (
	"context"

	"github.com/pitabwire/careflow/model"
)

// Store persists published definitions. Records are append-only: an
// (id, version) pair is written once and never changed.
type Store interface {
	// Publish stores def. A zero version is assigned latest+1. Publishing an
	// existing (id, version) returns CONFLICT.
	Publish(ctx context.Context, def model.ProcessDefinition) (model.ProcessDefinition, error)

	// Get returns the exact (id, version) definition or NOT_FOUND.
	Get(ctx context.Context, id string, version int) (model.ProcessDefinition, error)

	// Latest returns the highest published version of id or NOT_FOUND.
	Latest(ctx context.Context, id string) (model.ProcessDefinition, error)

	// List returns the latest version of every definition, ordered by id.
	List(ctx context.Context) ([]model.ProcessDefinition, error)

	// Versions returns every published version of id in ascending order.
	Versions(ctx context.Context, id string) ([]model.ProcessDefinition, error)
}
