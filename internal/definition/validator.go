package definition

import (
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// AsError converts validation errors into a VALIDATION_ERROR envelope, or nil
// when there are none.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(fmt.Sprintf("definition has %d error(s)", len(errs)), details)
}

var validVarTypes = map[string]bool{
	model.VarString:  true,
	model.VarNumber:  true,
	model.VarBoolean: true,
	model.VarObject:  true,
	model.VarList:    true,
}

var validTriggerTypes = map[string]bool{
	"":                     true,
	model.TriggerManual:    true,
	model.TriggerScheduled: true,
	model.TriggerEvent:     true,
	model.TriggerWebhook:   true,
}

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Validator checks process definitions before they are published. All errors
// are collected rather than stopping at the first.
type Validator struct {
	expr *expression.Evaluator
}

// NewValidator creates a Validator that compiles expressions with the given
// evaluator.
func NewValidator(expr *expression.Evaluator) *Validator {
	return &Validator{expr: expr}
}

// Validate checks a single definition.
func (v *Validator) Validate(def model.ProcessDefinition) []VError {
	var errs []VError
	add := func(path, code, format string, args ...any) {
		errs = append(errs, VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if def.ID == "" {
		add("id", "REQUIRED", "id is required")
	}
	if def.Name == "" {
		add("name", "REQUIRED", "name is required")
	}
	if def.Version < 0 {
		add("version", "INVALID_VALUE", "version must not be negative")
	}
	if !validTriggerTypes[def.Trigger.Type] {
		add("trigger.type", "INVALID_ENUM", "invalid trigger type %q", def.Trigger.Type)
	}
	if def.Trigger.Type == model.TriggerEvent && def.Trigger.Event == "" {
		add("trigger.event", "REQUIRED", "event triggers must name an event")
	}
	if len(def.Steps) == 0 {
		add("steps", "REQUIRED", "at least one step is required")
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		switch {
		case s.ID == "":
			add(sp+".id", "REQUIRED", "step id is required")
		case s.ID == model.EndStep:
			add(sp+".id", "RESERVED", "step id %q is reserved for the terminal marker", model.EndStep)
		case stepIDs[s.ID]:
			add(sp+".id", "DUPLICATE", "duplicate step id %q", s.ID)
		}
		stepIDs[s.ID] = true
	}

	if def.InitialStep == "" {
		add("initial_step", "REQUIRED", "initial_step is required")
	} else if !stepIDs[def.InitialStep] {
		add("initial_step", "REF_NOT_FOUND", "initial_step %q not found in steps", def.InitialStep)
	}

	ref := func(path, target string) {
		if target == "" || target == model.EndStep || stepIDs[target] {
			return
		}
		add(path, "DANGLING_REFERENCE", "successor %q is neither a step nor %q", target, model.EndStep)
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		sp := fmt.Sprintf("steps[%d]", i)

		ref(sp+".on_success", s.OnSuccess)
		ref(sp+".on_failure", s.OnFailure)
		ref(sp+".on_timeout", s.OnTimeout)
		v.duration(&errs, sp+".timeout", s.Timeout)

		if s.Retry != nil {
			if s.Retry.MaxRetries < 0 || s.Retry.MaxRetries > model.MaxRetryLimit {
				add(sp+".retry.max_retries", "INVALID_VALUE", "max_retries must be between 0 and %d", model.MaxRetryLimit)
			}
			v.duration(&errs, sp+".retry.retry_delay", s.Retry.RetryDelay)
		}

		if s.Action.Action == nil {
			add(sp+".action", "REQUIRED", "action is required")
			continue
		}
		if s.Kind().IsHuman() {
			if s.Assignee == nil {
				add(sp+".assignee", "REQUIRED", "%s steps require an assignee", s.Kind())
			}
			if s.Retry != nil {
				add(sp+".retry", "INVALID_VALUE", "retry policies apply to automated steps only")
			}
		}
		if s.Assignee != nil {
			v.assignee(&errs, sp+".assignee", s.Assignee)
		}

		switch a := s.Action.Action.(type) {
		case *model.TaskAction:
		case *model.ApprovalAction:
		case *model.NotificationAction:
			if a.Channel == "" {
				add(sp+".action.channel", "REQUIRED", "channel is required")
			}
			if a.Template == "" {
				add(sp+".action.template", "REQUIRED", "template is required")
			} else if _, err := template.New(s.ID).Option("missingkey=zero").Parse(a.Template); err != nil {
				add(sp+".action.template", "INVALID_TEMPLATE", "%v", err)
			}
		case *model.APICallAction:
			if !validMethods[strings.ToUpper(a.Method)] {
				add(sp+".action.method", "INVALID_ENUM", "invalid method %q", a.Method)
			}
			if a.URL == "" {
				add(sp+".action.url", "REQUIRED", "url is required")
			}
			v.duration(&errs, sp+".action.timeout", a.Timeout)
			for field, src := range a.Body {
				v.compile(&errs, sp+".action.body."+field, src)
			}
		case *model.ScriptAction:
			if len(a.Set) == 0 && a.Handler == "" {
				add(sp+".action", "REQUIRED", "script needs assignments or a handler")
			}
			for j, as := range a.Set {
				ap := fmt.Sprintf("%s.action.set[%d]", sp, j)
				if as.Variable == "" {
					add(ap+".variable", "REQUIRED", "variable is required")
				}
				v.compile(&errs, ap+".expression", as.Expression)
			}
		case *model.GatewayAction:
			v.gateway(&errs, sp, a, ref)
		case *model.SubprocessAction:
			if a.Definition == "" {
				add(sp+".action.definition", "REQUIRED", "subprocess definition is required")
			}
			for name, src := range a.Variables {
				v.compile(&errs, sp+".action.variables."+name, src)
			}
		}
	}

	v.variables(&errs, def.Variables)
	v.escalations(&errs, def)
	if def.SLA != nil {
		v.sla(&errs, def.SLA)
	}

	// Graph checks only make sense once references resolve.
	if len(errs) == 0 {
		errs = append(errs, reachability(def)...)
		errs = append(errs, joins(def)...)
	}
	return errs
}

func (v *Validator) gateway(errs *[]VError, sp string, a *model.GatewayAction, ref func(string, string)) {
	add := func(path, code, format string, args ...any) {
		*errs = append(*errs, VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	ref(sp+".action.default", a.Default)
	switch a.Mode {
	case model.GatewayExclusive, model.GatewayInclusive:
		if len(a.Branches) == 0 {
			add(sp+".action.branches", "REQUIRED", "%s gateways need at least one branch", a.Mode)
		}
		for j, b := range a.Branches {
			bp := fmt.Sprintf("%s.action.branches[%d]", sp, j)
			if b.Next == "" {
				add(bp+".next", "REQUIRED", "branch next is required")
			}
			ref(bp+".next", b.Next)
			if b.Condition == "" {
				add(bp+".condition", "REQUIRED", "branch condition is required")
			} else {
				v.compile(errs, bp+".condition", b.Condition)
			}
		}
	case model.GatewayParallel:
		if len(a.Branches) < 1 {
			add(sp+".action.branches", "REQUIRED", "parallel gateways need at least one branch")
		}
		for j, b := range a.Branches {
			bp := fmt.Sprintf("%s.action.branches[%d]", sp, j)
			if b.Next == "" {
				add(bp+".next", "REQUIRED", "branch next is required")
			}
			ref(bp+".next", b.Next)
		}
	case model.GatewayJoin:
		if len(a.Branches) > 0 {
			add(sp+".action.branches", "INVALID_VALUE", "join gateways do not declare branches")
		}
	default:
		add(sp+".action.mode", "INVALID_ENUM", "invalid gateway mode %q", a.Mode)
	}
}

func (v *Validator) assignee(errs *[]VError, path string, a *model.AssigneeDescriptor) {
	add := func(p, code, format string, args ...any) {
		*errs = append(*errs, VError{Path: p, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	switch a.Type {
	case model.AssigneeUser, model.AssigneeRole, model.AssigneeTeam:
		if a.Value == "" {
			add(path+".value", "REQUIRED", "%s assignee requires a value", a.Type)
		}
	case model.AssigneeDynamic:
		if a.Expression == "" {
			add(path+".expression", "REQUIRED", "dynamic assignee requires an expression")
		} else {
			v.compile(errs, path+".expression", a.Expression)
		}
	default:
		add(path+".type", "INVALID_ENUM", "invalid assignee type %q", a.Type)
	}
	if a.Fallback != nil {
		v.assignee(errs, path+".fallback", a.Fallback)
	}
}

func (v *Validator) variables(errs *[]VError, vars []model.VariableDefinition) {
	seen := make(map[string]bool, len(vars))
	for i, vd := range vars {
		vp := fmt.Sprintf("variables[%d]", i)
		if vd.Name == "" {
			*errs = append(*errs, VError{Path: vp + ".name", Code: "REQUIRED", Message: "variable name is required"})
		} else if seen[vd.Name] {
			*errs = append(*errs, VError{Path: vp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate variable %q", vd.Name)})
		}
		seen[vd.Name] = true
		if !validVarTypes[vd.Type] {
			*errs = append(*errs, VError{Path: vp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid variable type %q", vd.Type)})
			continue
		}
		if vd.Default != nil && !MatchesType(vd.Type, vd.Default) {
			*errs = append(*errs, VError{Path: vp + ".default", Code: "TYPE_MISMATCH", Message: fmt.Sprintf("default is not a %s", vd.Type)})
		}
	}
}

func (v *Validator) escalations(errs *[]VError, def model.ProcessDefinition) {
	seen := make(map[string]bool, len(def.Escalations))
	for i, r := range def.Escalations {
		ep := fmt.Sprintf("escalations[%d]", i)
		if r.ID == "" {
			*errs = append(*errs, VError{Path: ep + ".id", Code: "REQUIRED", Message: "escalation id is required"})
		} else if seen[r.ID] {
			*errs = append(*errs, VError{Path: ep + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate escalation %q", r.ID)})
		}
		seen[r.ID] = true
		if r.Step != "" {
			step, ok := def.Step(r.Step)
			switch {
			case !ok:
				*errs = append(*errs, VError{Path: ep + ".step", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", r.Step)})
			case !step.Kind().IsHuman():
				*errs = append(*errs, VError{Path: ep + ".step", Code: "INVALID_VALUE", Message: "escalations attach to task or approval steps"})
			}
		}
		if r.Delay == "" {
			*errs = append(*errs, VError{Path: ep + ".delay", Code: "REQUIRED", Message: "delay is required"})
		}
		v.duration(errs, ep+".delay", r.Delay)
		if r.Condition != "" {
			v.compile(errs, ep+".condition", r.Condition)
		}
		v.escalationAction(errs, ep+".action", r.Action)
	}
}

func (v *Validator) escalationAction(errs *[]VError, path string, a model.EscalationAction) {
	switch a.Type {
	case model.EscalationNotify, model.EscalationEscalate:
	case model.EscalationReassign:
		if a.Assignee == nil {
			*errs = append(*errs, VError{Path: path + ".assignee", Code: "REQUIRED", Message: "reassign requires an assignee"})
		}
	default:
		*errs = append(*errs, VError{Path: path + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid escalation action %q", a.Type)})
	}
	if a.Assignee != nil {
		v.assignee(errs, path+".assignee", a.Assignee)
	}
}

func (v *Validator) sla(errs *[]VError, s *model.SLADefinition) {
	if s.Target == "" {
		*errs = append(*errs, VError{Path: "sla.target", Code: "REQUIRED", Message: "sla target is required"})
	}
	v.duration(errs, "sla.target", s.Target)
	if s.WarningThreshold <= 0 || s.WarningThreshold >= 100 {
		*errs = append(*errs, VError{Path: "sla.warning_threshold", Code: "INVALID_VALUE", Message: "warning_threshold must be between 0 and 100 exclusive"})
	}
	for i, a := range s.WarningActions {
		v.escalationAction(errs, fmt.Sprintf("sla.warning_actions[%d]", i), a)
	}
	for i, a := range s.BreachActions {
		v.escalationAction(errs, fmt.Sprintf("sla.breach_actions[%d]", i), a)
	}
}

func (v *Validator) duration(errs *[]VError, path, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, VError{Path: path, Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid duration %q", value)})
		return
	}
	if d < 0 {
		*errs = append(*errs, VError{Path: path, Code: "INVALID_DURATION", Message: "duration must not be negative"})
	}
}

func (v *Validator) compile(errs *[]VError, path, src string) {
	if _, err := v.expr.Compile(src); err != nil {
		*errs = append(*errs, VError{Path: path, Code: "INVALID_EXPRESSION", Message: err.Error()})
	}
}

// Successors returns every step id (or the terminal marker) a step can hand
// control to. An empty on_success means the step ends its branch.
func Successors(s *model.StepDefinition) []string {
	var out []string
	if gw, ok := s.Action.Action.(*model.GatewayAction); ok {
		for _, b := range gw.Branches {
			out = append(out, b.Next)
		}
		if gw.Default != "" {
			out = append(out, gw.Default)
		}
	}
	out = append(out, SuccessTarget(s))
	if s.OnFailure != "" {
		out = append(out, s.OnFailure)
	}
	if s.OnTimeout != "" {
		out = append(out, s.OnTimeout)
	}
	return out
}

// SuccessTarget returns the step's on_success, defaulting to the terminal
// marker.
func SuccessTarget(s *model.StepDefinition) string {
	if s.OnSuccess == "" {
		return model.EndStep
	}
	return s.OnSuccess
}

// reachability reports steps from which the terminal marker cannot be
// reached. Cycles are allowed as long as some path leaves them.
func reachability(def model.ProcessDefinition) []VError {
	reaches := map[string]bool{model.EndStep: true}
	for changed := true; changed; {
		changed = false
		for i := range def.Steps {
			s := &def.Steps[i]
			if reaches[s.ID] {
				continue
			}
			for _, next := range Successors(s) {
				if reaches[next] {
					reaches[s.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var errs []VError
	for i, s := range def.Steps {
		if !reaches[s.ID] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("steps[%d]", i),
				Code:    "NO_TERMINAL_PATH",
				Message: fmt.Sprintf("step %q has no path to %q", s.ID, model.EndStep),
			})
		}
	}
	return errs
}

// joins reports join gateways that no inclusive or parallel gateway can
// reach.
func joins(def model.ProcessDefinition) []VError {
	index := make(map[string]*model.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		index[def.Steps[i].ID] = &def.Steps[i]
	}

	fed := make(map[string]bool)
	for i := range def.Steps {
		gw, ok := def.Steps[i].Action.Action.(*model.GatewayAction)
		if !ok || (gw.Mode != model.GatewayInclusive && gw.Mode != model.GatewayParallel) {
			continue
		}
		seen := map[string]bool{}
		stack := Successors(&def.Steps[i])
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] || id == model.EndStep {
				continue
			}
			seen[id] = true
			fed[id] = true
			if s, ok := index[id]; ok {
				stack = append(stack, Successors(s)...)
			}
		}
	}

	var errs []VError
	for i := range def.Steps {
		gw, ok := def.Steps[i].Action.Action.(*model.GatewayAction)
		if ok && gw.Mode == model.GatewayJoin && !fed[def.Steps[i].ID] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("steps[%d]", i),
				Code:    "ORPHAN_JOIN",
				Message: fmt.Sprintf("join %q is not downstream of any fork", def.Steps[i].ID),
			})
		}
	}
	return errs
}

// MatchesType reports whether a value is acceptable for a declared variable
// type.
func MatchesType(typ string, v any) bool {
	switch typ {
	case model.VarString:
		_, ok := v.(string)
		return ok
	case model.VarNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64, uint, uint32, uint64:
			return true
		}
		return false
	case model.VarBoolean:
		_, ok := v.(bool)
		return ok
	case model.VarObject:
		_, ok := v.(map[string]any)
		return ok
	case model.VarList:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return false
}
