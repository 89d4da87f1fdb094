package dispatch

import (
	"context"
	"fmt"

	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

// GatewayDispatcher evaluates branch conditions in declaration order.
type GatewayDispatcher struct {
	expr *expression.Evaluator
}

// NewGatewayDispatcher creates a GatewayDispatcher.
func NewGatewayDispatcher(expr *expression.Evaluator) *GatewayDispatcher {
	return &GatewayDispatcher{expr: expr}
}

// Dispatch implements Dispatcher.
func (g *GatewayDispatcher) Dispatch(_ context.Context, req Request) (Outcome, error) {
	gw, ok := req.Step.Action.Action.(*model.GatewayAction)
	if !ok {
		return Outcome{}, fmt.Errorf("step %q is not a gateway", req.Step.ID)
	}
	next, err := g.Select(req.Step, gw, req.Variables)
	if err != nil {
		if gw.Default == "" {
			return Outcome{}, err
		}
		return Outcome{
			Next:   []string{gw.Default},
			Result: map[string]any{"next": []any{gw.Default}, "fallback": err.Error()},
		}, nil
	}

	taken := make([]any, len(next))
	for i, n := range next {
		taken[i] = n
	}
	return Outcome{Next: next, Result: map[string]any{"next": taken}}, nil
}

// Select returns the successor step ids chosen by the gateway. Exclusive
// gateways take the first branch whose condition holds; inclusive gateways
// take every such branch; parallel gateways take all branches. With no
// match the default, then on_success, is used. An empty condition always
// holds.
func (g *GatewayDispatcher) Select(step *model.StepDefinition, gw *model.GatewayAction, vars map[string]any) ([]string, error) {
	var next []string
	switch gw.Mode {
	case model.GatewayJoin:
		return []string{definition.SuccessTarget(step)}, nil
	case model.GatewayParallel:
		for _, b := range gw.Branches {
			next = append(next, b.Next)
		}
	case model.GatewayInclusive:
		for _, b := range gw.Branches {
			ok, err := g.holds(b.Condition, vars)
			if err != nil {
				return nil, err
			}
			if ok {
				next = append(next, b.Next)
			}
		}
	default:
		for _, b := range gw.Branches {
			ok, err := g.holds(b.Condition, vars)
			if err != nil {
				return nil, err
			}
			if ok {
				next = []string{b.Next}
				break
			}
		}
	}

	if len(next) == 0 {
		if gw.Default != "" {
			return []string{gw.Default}, nil
		}
		return []string{definition.SuccessTarget(step)}, nil
	}
	return next, nil
}

func (g *GatewayDispatcher) holds(cond string, vars map[string]any) (bool, error) {
	if cond == "" {
		return true, nil
	}
	return g.expr.EvalBool(cond, vars)
}
