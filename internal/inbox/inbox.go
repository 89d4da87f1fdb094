// Package inbox projects pending human steps into per-actor task lists. It
// holds no state of its own; every read is derived from instance state.
package inbox

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/assignee"
	"github.com/pitabwire/careflow/internal/workflow"
	"github.com/pitabwire/careflow/model"
)

const pageSize = 200

// InstanceLister lists instances. Both the engine and the instance stores
// implement it.
type InstanceLister interface {
	List(ctx context.Context, filters workflow.InstanceFilters) ([]model.Instance, int, error)
}

// DefinitionGetter loads a pinned definition version.
type DefinitionGetter interface {
	Get(ctx context.Context, id string, version int) (model.ProcessDefinition, error)
}

// Inbox answers "what can this actor work on now".
type Inbox struct {
	instances InstanceLister
	defs      DefinitionGetter
	resolver  *assignee.Resolver
	logger    *zap.Logger
}

// New creates an Inbox.
func New(instances InstanceLister, defs DefinitionGetter, resolver *assignee.Resolver, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{instances: instances, defs: defs, resolver: resolver, logger: logger}
}

// TasksFor returns the pending tasks actorID may complete, oldest first.
// Visibility is by direct assignment or current role or team membership.
func (b *Inbox) TasksFor(ctx context.Context, actorID string) ([]model.Task, error) {
	if actorID == "" {
		return nil, model.NewBadRequestError("actor id is required")
	}

	defs := make(map[string]*model.ProcessDefinition)
	tasks := []model.Task{}
	for offset := 0; ; offset += pageSize {
		page, total, err := b.instances.List(ctx, workflow.InstanceFilters{
			Statuses: []model.InstanceStatus{model.InstanceActive},
			Limit:    pageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list active instances: %w", err)
		}
		for i := range page {
			tasks = append(tasks, b.tasksIn(ctx, &page[i], actorID, defs)...)
		}
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].InstanceID < tasks[j].InstanceID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// tasksIn collects the visible tasks of one instance. A step whose
// assignee cannot be checked is left out of this read.
func (b *Inbox) tasksIn(ctx context.Context, inst *model.Instance, actorID string, defs map[string]*model.ProcessDefinition) []model.Task {
	var out []model.Task
	for _, si := range inst.Steps {
		if !si.Kind.IsHuman() || si.Status != model.StepPending || si.Attempts == 0 || si.Assignee == nil {
			continue
		}
		ok, err := b.resolver.CanAct(ctx, actorID, *si.Assignee)
		if err != nil {
			b.logger.Warn("inbox: assignee check failed, task skipped",
				zap.String("instance_id", inst.ID),
				zap.String("step_id", si.StepID),
				zap.String("actor_id", actorID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		def, err := b.definition(ctx, inst, defs)
		if err != nil {
			b.logger.Warn("inbox: definition unavailable",
				zap.String("instance_id", inst.ID),
				zap.String("definition_id", inst.DefinitionID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, newTask(inst, si, def))
	}
	return out
}

func (b *Inbox) definition(ctx context.Context, inst *model.Instance, defs map[string]*model.ProcessDefinition) (*model.ProcessDefinition, error) {
	key := fmt.Sprintf("%s@%d", inst.DefinitionID, inst.DefinitionVersion)
	if def, ok := defs[key]; ok {
		return def, nil
	}
	def, err := b.defs.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	defs[key] = &def
	return &def, nil
}

func newTask(inst *model.Instance, si model.StepInstance, def *model.ProcessDefinition) model.Task {
	task := model.Task{
		InstanceID:        inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		StepID:            si.StepID,
		StepSeq:           si.Seq,
		Kind:              si.Kind,
		Assignee:          si.Assignee.Clone(),
		Attempt:           si.Attempts,
		CreatedAt:         si.StartedAt,
		DueAt:             si.DueAt,
	}
	if si.DispatchedAt != nil {
		task.CreatedAt = *si.DispatchedAt
	}

	step, ok := def.Step(si.StepID)
	if !ok {
		return task
	}
	task.Name = step.Name
	switch a := step.Action.Action.(type) {
	case *model.TaskAction:
		task.Instructions = a.Instructions
		task.Form = a.Form
		task.Verbs = append([]string(nil), a.Verbs...)
	case *model.ApprovalAction:
		task.Instructions = a.Instructions
		task.Verbs = []string{"approve", "reject"}
	}
	return task
}
