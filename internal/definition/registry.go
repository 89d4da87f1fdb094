package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/careflow/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	versions map[string][]model.ProcessDefinition // ascending by version
	checksum string
}

// Registry is an in-memory Store. Reads are lock-free through an atomic
// snapshot pointer; publishes copy the snapshot under a writer mutex.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{now: func() time.Time { return time.Now().UTC() }}
	r.snap.Store(&snapshot{versions: map[string][]model.ProcessDefinition{}})
	return r
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Publish implements Store.
func (r *Registry) Publish(_ context.Context, def model.ProcessDefinition) (model.ProcessDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current()
	existing := old.versions[def.ID]
	if def.Version == 0 {
		def.Version = 1
		if n := len(existing); n > 0 {
			def.Version = existing[n-1].Version + 1
		}
	}
	for _, e := range existing {
		if e.Version == def.Version {
			return model.ProcessDefinition{}, model.NewConflictError(
				fmt.Sprintf("definition %s already published", def.Ref()),
			)
		}
	}
	if def.PublishedAt.IsZero() {
		def.PublishedAt = r.now()
	}

	next := &snapshot{versions: make(map[string][]model.ProcessDefinition, len(old.versions)+1)}
	for id, defs := range old.versions {
		next.versions[id] = defs
	}
	updated := append(append([]model.ProcessDefinition(nil), existing...), def)
	sort.Slice(updated, func(i, j int) bool { return updated[i].Version < updated[j].Version })
	next.versions[def.ID] = updated
	next.checksum = combinedChecksum(next.versions)

	r.snap.Store(next)
	return def, nil
}

// Get implements Store.
func (r *Registry) Get(_ context.Context, id string, version int) (model.ProcessDefinition, error) {
	for _, d := range r.current().versions[id] {
		if d.Version == version {
			return d, nil
		}
	}
	return model.ProcessDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %s@%d not found", id, version))
}

// Latest implements Store.
func (r *Registry) Latest(_ context.Context, id string) (model.ProcessDefinition, error) {
	defs := r.current().versions[id]
	if len(defs) == 0 {
		return model.ProcessDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return defs[len(defs)-1], nil
}

// List implements Store.
func (r *Registry) List(_ context.Context) ([]model.ProcessDefinition, error) {
	s := r.current()
	out := make([]model.ProcessDefinition, 0, len(s.versions))
	for _, defs := range s.versions {
		out = append(out, defs[len(defs)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Versions implements Store.
func (r *Registry) Versions(_ context.Context, id string) ([]model.ProcessDefinition, error) {
	defs := r.current().versions[id]
	if len(defs) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return append([]model.ProcessDefinition(nil), defs...), nil
}

// Checksum returns the combined checksum of all published definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func combinedChecksum(versions map[string][]model.ProcessDefinition) string {
	var parts []string
	for _, defs := range versions {
		for _, d := range defs {
			parts = append(parts, d.Ref()+"="+d.Checksum)
		}
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}
