package definition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/careflow/model"
)

// Catalog validates definitions before handing them to a Store. It is the
// only path through which definitions are published, so invalid definitions
// never reach execution.
type Catalog struct {
	store     Store
	validator *Validator
	loader    *Loader
	logger    *zap.Logger
}

// NewCatalog creates a Catalog.
func NewCatalog(store Store, validator *Validator, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: store, validator: validator, loader: NewLoader(), logger: logger}
}

// Store returns the underlying definition store.
func (c *Catalog) Store() Store { return c.store }

// Publish validates and stores def.
func (c *Catalog) Publish(ctx context.Context, def model.ProcessDefinition) (model.ProcessDefinition, error) {
	errs := c.validator.Validate(def)
	errs = append(errs, c.subprocessRefs(ctx, def)...)
	if err := AsError(errs); err != nil {
		return model.ProcessDefinition{}, err
	}
	published, err := c.store.Publish(ctx, def)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	c.logger.Info("definition published",
		zap.String("definition", published.Ref()),
		zap.String("checksum", published.Checksum),
	)
	return published, nil
}

// PublishDocument parses a raw YAML or JSON document and publishes it.
func (c *Catalog) PublishDocument(ctx context.Context, data []byte) (model.ProcessDefinition, error) {
	def, err := c.loader.Parse(data)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return c.Publish(ctx, def)
}

// LoadDirectories publishes every definition file found in dirs. Files whose
// content is already published are skipped so restarts are idempotent.
func (c *Catalog) LoadDirectories(ctx context.Context, dirs []string) (int, error) {
	defs, err := c.loader.LoadAll(dirs)
	if err != nil {
		return 0, err
	}
	// Publish subprocess targets before their parents where possible.
	defs = orderBySubprocess(defs)

	published := 0
	for _, def := range defs {
		skip, err := c.alreadyPublished(ctx, def)
		if err != nil {
			return published, err
		}
		if skip {
			continue
		}
		if _, err := c.Publish(ctx, def); err != nil {
			return published, fmt.Errorf("publishing %s: %w", def.SourceFile, err)
		}
		published++
	}
	return published, nil
}

func (c *Catalog) alreadyPublished(ctx context.Context, def model.ProcessDefinition) (bool, error) {
	var existing model.ProcessDefinition
	var err error
	if def.Version == 0 {
		existing, err = c.store.Latest(ctx, def.ID)
	} else {
		existing, err = c.store.Get(ctx, def.ID, def.Version)
	}
	if model.IsCode(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.Checksum == def.Checksum {
		return true, nil
	}
	if def.Version != 0 {
		return false, model.NewConflictError(fmt.Sprintf(
			"definition %s in %s differs from the published version", def.Ref(), def.SourceFile))
	}
	return false, nil
}

func (c *Catalog) subprocessRefs(ctx context.Context, def model.ProcessDefinition) []VError {
	var errs []VError
	for i := range def.Steps {
		sub, ok := def.Steps[i].Action.Action.(*model.SubprocessAction)
		if !ok || sub.Definition == "" || sub.Definition == def.ID {
			continue
		}
		var err error
		if sub.Version > 0 {
			_, err = c.store.Get(ctx, sub.Definition, sub.Version)
		} else {
			_, err = c.store.Latest(ctx, sub.Definition)
		}
		if err != nil {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("steps[%d].action.definition", i),
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("subprocess definition %q is not published", sub.Definition),
			})
		}
	}
	return errs
}

// orderBySubprocess places definitions referenced as subprocesses ahead of
// the definitions that reference them. Cycles keep their input order.
func orderBySubprocess(defs []model.ProcessDefinition) []model.ProcessDefinition {
	byID := make(map[string][]int)
	for i, d := range defs {
		byID[d.ID] = append(byID[d.ID], i)
	}
	visited := make([]bool, len(defs))
	onStack := make([]bool, len(defs))
	out := make([]model.ProcessDefinition, 0, len(defs))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] || onStack[i] {
			return
		}
		onStack[i] = true
		for _, s := range defs[i].Steps {
			if sub, ok := s.Action.Action.(*model.SubprocessAction); ok {
				for _, j := range byID[sub.Definition] {
					visit(j)
				}
			}
		}
		onStack[i] = false
		visited[i] = true
		out = append(out, defs[i])
	}
	for i := range defs {
		visit(i)
	}
	return out
}
