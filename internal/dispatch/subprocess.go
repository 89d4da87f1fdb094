package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

// SubprocessStarter starts child instances. The engine implements it.
type SubprocessStarter interface {
	StartChild(ctx context.Context, parent model.ParentRef, definitionID string, version int, vars map[string]any) (model.Instance, error)
}

// SubprocessDispatcher starts a child instance of another definition.
type SubprocessDispatcher struct {
	expr    *expression.Evaluator
	starter SubprocessStarter
}

// NewSubprocessDispatcher creates a SubprocessDispatcher.
func NewSubprocessDispatcher(expr *expression.Evaluator, starter SubprocessStarter) *SubprocessDispatcher {
	return &SubprocessDispatcher{expr: expr, starter: starter}
}

// Dispatch implements Dispatcher. Without wait the step completes once the
// child is started; with wait it completes when the child does.
func (d *SubprocessDispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	a, ok := req.Step.Action.Action.(*model.SubprocessAction)
	if !ok {
		return Outcome{}, fmt.Errorf("step %q is not a subprocess", req.Step.ID)
	}

	vars := make(map[string]any, len(a.Variables))
	for name, src := range a.Variables {
		v, err := d.expr.Eval(src, req.Variables)
		if err != nil {
			return Outcome{}, err
		}
		vars[name] = v
	}

	parent := model.ParentRef{
		InstanceID: req.InstanceID,
		StepID:     req.Step.ID,
		StepSeq:    req.StepSeq,
		Attempt:    req.Attempt,
	}
	child, err := d.starter.StartChild(ctx, parent, a.Definition, a.Version, vars)
	if err != nil {
		return Outcome{}, fmt.Errorf("start subprocess %s: %w", a.Definition, err)
	}

	if !a.Wait {
		return Outcome{
			ChildInstanceID: child.ID,
			Result:          map[string]any{"child_instance_id": child.ID},
		}, nil
	}
	return ChildOutcome(a, child)
}

// ChildOutcome maps a child instance's state to the parent step outcome.
// A child still running yields a waiting outcome.
func ChildOutcome(a *model.SubprocessAction, child model.Instance) (Outcome, error) {
	out := Outcome{
		ChildInstanceID: child.ID,
		Result: map[string]any{
			"child_instance_id": child.ID,
			"child_status":      string(child.Status),
		},
	}
	switch child.Status {
	case model.InstanceCompleted:
		if a.ResultVariable != "" {
			out.Set = map[string]any{a.ResultVariable: model.CloneVars(child.Variables)}
		}
		return out, nil
	case model.InstanceCancelled, model.InstanceError:
		msg := fmt.Sprintf("subprocess %s ended %s", child.ID, child.Status)
		if child.Error != nil {
			msg += ": " + child.Error.Message
		}
		return Outcome{}, errors.New(msg)
	default:
		out.Wait = true
		return out, nil
	}
}
