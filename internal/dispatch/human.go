package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/careflow/model"
)

// Completion verbs.
const (
	VerbComplete = "complete"
	VerbApprove  = "approve"
	VerbReject   = "reject"
)

// HumanDispatcher parks task and approval steps. The engine publishes the
// inbox entry; completion is handled by Interpret.
type HumanDispatcher struct{}

// NewHumanDispatcher creates a HumanDispatcher.
func NewHumanDispatcher() *HumanDispatcher {
	return &HumanDispatcher{}
}

// Dispatch implements Dispatcher.
func (*HumanDispatcher) Dispatch(context.Context, Request) (Outcome, error) {
	return Outcome{Wait: true}, nil
}

// Interpret implements Interpreter. Tasks accept "complete" (or one of
// their declared verbs) and "reject"; approvals accept "approve" and
// "reject". Reject follows on_failure.
func (*HumanDispatcher) Interpret(step *model.StepDefinition, verb string, data map[string]any) (Outcome, error) {
	verb = strings.ToLower(strings.TrimSpace(verb))
	set := model.CloneVars(data)
	if set == nil {
		set = make(map[string]any)
	}

	switch a := step.Action.Action.(type) {
	case *model.TaskAction:
		if verb == "" {
			verb = VerbComplete
			if len(a.Verbs) > 0 {
				verb = a.Verbs[0]
			}
		}
		if len(a.Verbs) > 0 && !contains(a.Verbs, verb) && verb != VerbReject {
			return Outcome{}, model.NewBadRequestError(fmt.Sprintf("step %q does not accept verb %q", step.ID, verb))
		}
		route := RouteSuccess
		if verb == VerbReject {
			route = RouteFailure
		}
		return Outcome{Route: route, Set: set, Result: withVerb(data, verb)}, nil

	case *model.ApprovalAction:
		var route Route
		switch verb {
		case VerbApprove:
			route = RouteSuccess
		case VerbReject:
			route = RouteFailure
		default:
			return Outcome{}, model.NewBadRequestError(fmt.Sprintf("approval %q requires verb approve or reject, got %q", step.ID, verb))
		}
		if a.ResultVariable != "" {
			set[a.ResultVariable] = verb
		}
		return Outcome{Route: route, Set: set, Result: withVerb(data, verb)}, nil

	default:
		return Outcome{}, model.NewInvalidStateError(fmt.Sprintf("step %q is not a human step", step.ID))
	}
}

func withVerb(data map[string]any, verb string) map[string]any {
	out := model.CloneVars(data)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out["verb"] = verb
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
