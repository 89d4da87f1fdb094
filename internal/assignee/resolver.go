package assignee

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

var errNobody = errors.New("no current holders")

// Resolver maps assignee descriptors to actor sets.
type Resolver struct {
	dir  Directory
	expr *expression.Evaluator
}

// NewResolver creates a Resolver.
func NewResolver(dir Directory, expr *expression.Evaluator) *Resolver {
	return &Resolver{dir: dir, expr: expr}
}

// Resolve returns the actor set for desc. When the primary descriptor yields
// nobody or fails, the fallback (if any) is tried once. Failure of both is a
// RESOLUTION_FAILURE.
func (r *Resolver) Resolve(ctx context.Context, desc *model.AssigneeDescriptor, vars map[string]any) (model.ActorSet, error) {
	if desc == nil {
		return model.ActorSet{}, model.NewResolutionFailure("no assignee declared")
	}
	set, err := r.resolveOne(ctx, desc, vars)
	if err == nil {
		return set, nil
	}
	if desc.Fallback == nil {
		return model.ActorSet{}, model.NewResolutionFailure(fmt.Sprintf("%s %q: %v", desc.Type, describe(desc), err))
	}
	set, fbErr := r.resolveOne(ctx, desc.Fallback, vars)
	if fbErr != nil {
		return model.ActorSet{}, model.NewResolutionFailure(fmt.Sprintf(
			"%s %q: %v; fallback %s %q: %v",
			desc.Type, describe(desc), err, desc.Fallback.Type, describe(desc.Fallback), fbErr,
		))
	}
	return set, nil
}

func (r *Resolver) resolveOne(ctx context.Context, desc *model.AssigneeDescriptor, vars map[string]any) (model.ActorSet, error) {
	switch desc.Type {
	case model.AssigneeUser:
		if desc.Value == "" {
			return model.ActorSet{}, errNobody
		}
		return model.ActorSet{Users: []string{desc.Value}}, nil
	case model.AssigneeRole:
		return r.group(ctx, desc.Value, r.dir.MembersOfRole, func(v string) model.ActorSet {
			return model.ActorSet{Roles: []string{v}}
		})
	case model.AssigneeTeam:
		return r.group(ctx, desc.Value, r.dir.MembersOfTeam, func(v string) model.ActorSet {
			return model.ActorSet{Teams: []string{v}}
		})
	case model.AssigneeDynamic:
		v, err := r.expr.Eval(desc.Expression, vars)
		if err != nil {
			return model.ActorSet{}, err
		}
		return r.fromValue(ctx, v)
	default:
		return model.ActorSet{}, fmt.Errorf("unknown assignee type %q", desc.Type)
	}
}

func (r *Resolver) group(
	ctx context.Context,
	name string,
	members func(context.Context, string) ([]string, error),
	build func(string) model.ActorSet,
) (model.ActorSet, error) {
	users, err := members(ctx, name)
	if err != nil {
		return model.ActorSet{}, err
	}
	if len(users) == 0 {
		return model.ActorSet{}, errNobody
	}
	return build(name), nil
}

// fromValue interprets a dynamic expression result. A string is a user id
// unless prefixed with "role:" or "team:"; a list yields several users.
func (r *Resolver) fromValue(ctx context.Context, v any) (model.ActorSet, error) {
	switch t := v.(type) {
	case string:
		switch {
		case t == "":
			return model.ActorSet{}, errNobody
		case strings.HasPrefix(t, "role:"):
			return r.resolveOne(ctx, &model.AssigneeDescriptor{Type: model.AssigneeRole, Value: strings.TrimPrefix(t, "role:")}, nil)
		case strings.HasPrefix(t, "team:"):
			return r.resolveOne(ctx, &model.AssigneeDescriptor{Type: model.AssigneeTeam, Value: strings.TrimPrefix(t, "team:")}, nil)
		default:
			return model.ActorSet{Users: []string{strings.TrimPrefix(t, "user:")}}, nil
		}
	case []any:
		var set model.ActorSet
		for _, item := range t {
			s, ok := item.(string)
			if !ok || s == "" {
				return model.ActorSet{}, fmt.Errorf("dynamic assignee list holds %T", item)
			}
			set.Users = append(set.Users, s)
		}
		if set.Empty() {
			return model.ActorSet{}, errNobody
		}
		return set, nil
	case nil:
		return model.ActorSet{}, errNobody
	default:
		return model.ActorSet{}, fmt.Errorf("dynamic assignee evaluated to %T", v)
	}
}

// CanAct reports whether actorID is covered by set, either directly or
// through current role or team membership.
func (r *Resolver) CanAct(ctx context.Context, actorID string, set model.ActorSet) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	for _, u := range set.Users {
		if u == actorID {
			return true, nil
		}
	}
	if len(set.Roles) > 0 {
		roles, err := r.dir.RolesOf(ctx, actorID)
		if err != nil {
			return false, fmt.Errorf("roles of %s: %w", actorID, err)
		}
		if intersects(roles, set.Roles) {
			return true, nil
		}
	}
	if len(set.Teams) > 0 {
		teams, err := r.dir.TeamsOf(ctx, actorID)
		if err != nil {
			return false, fmt.Errorf("teams of %s: %w", actorID, err)
		}
		if intersects(teams, set.Teams) {
			return true, nil
		}
	}
	return false, nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func describe(d *model.AssigneeDescriptor) string {
	if d.Type == model.AssigneeDynamic {
		return d.Expression
	}
	return d.Value
}
