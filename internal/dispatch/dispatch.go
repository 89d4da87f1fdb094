// Package dispatch executes step actions. There is one Dispatcher per action
// kind; the engine routes to them through a Registry and never interprets
// action payloads itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/careflow/model"
)

// Route is the successor family an outcome selects.
type Route int

const (
	// RouteSuccess follows on_success (or the gateway's chosen targets).
	RouteSuccess Route = iota
	// RouteFailure follows on_failure.
	RouteFailure
)

func (r Route) String() string {
	if r == RouteFailure {
		return "failure"
	}
	return "success"
}

// Request is one dispatch of a step instance. Variables is a private copy
// and may be read freely by the dispatcher.
type Request struct {
	InstanceID string
	Definition *model.ProcessDefinition
	Step       *model.StepDefinition
	StepSeq    int
	Attempt    int
	Variables  map[string]any
}

// Outcome is the result of a dispatch or of interpreting a human
// completion.
type Outcome struct {
	Route Route
	// Next overrides the route's successor. Gateways set it to the chosen
	// targets; more than one entry forks the pointer.
	Next []string
	// Set is merged into the instance variables.
	Set map[string]any
	// Result is recorded on the step instance.
	Result map[string]any
	// Wait leaves the step in progress until an external event resolves it.
	Wait            bool
	ChildInstanceID string
}

// Dispatcher starts the action of one kind.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Outcome, error)
}

// Interpreter is implemented by dispatchers of human kinds to turn an
// external completion into an Outcome.
type Interpreter interface {
	Interpret(step *model.StepDefinition, verb string, data map[string]any) (Outcome, error)
}

// Registry routes dispatches by action kind.
type Registry struct {
	dispatchers map[model.ActionKind]Dispatcher
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[model.ActionKind]Dispatcher)}
}

// Register binds d to kind, replacing any previous binding.
func (r *Registry) Register(kind model.ActionKind, d Dispatcher) {
	r.dispatchers[kind] = d
}

// Supports reports whether a dispatcher is bound for kind.
func (r *Registry) Supports(kind model.ActionKind) bool {
	_, ok := r.dispatchers[kind]
	return ok
}

// Dispatch runs the dispatcher for the step's kind. Errors that are not
// already classified are reported as DISPATCH_FAILURE.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	kind := req.Step.Kind()
	d, ok := r.dispatchers[kind]
	if !ok {
		return Outcome{}, model.NewDispatchFailure(req.Step.ID, fmt.Errorf("no dispatcher for kind %q", kind))
	}
	out, err := d.Dispatch(ctx, req)
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			if env.StepID == "" {
				env.StepID = req.Step.ID
			}
			return Outcome{}, env
		}
		return Outcome{}, model.NewDispatchFailure(req.Step.ID, err)
	}
	return out, nil
}

// Interpret applies an external completion to a human step.
func (r *Registry) Interpret(step *model.StepDefinition, verb string, data map[string]any) (Outcome, error) {
	d, ok := r.dispatchers[step.Kind()]
	if !ok {
		return Outcome{}, model.NewInvalidStateError(fmt.Sprintf("step %q of kind %s cannot be completed externally", step.ID, step.Kind()))
	}
	in, ok := d.(Interpreter)
	if !ok {
		return Outcome{}, model.NewInvalidStateError(fmt.Sprintf("step %q of kind %s cannot be completed externally", step.ID, step.Kind()))
	}
	return in.Interpret(step, verb, data)
}
