package definition

import (
	"testing"

	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/model"
)

// --- Test helpers ---

func newTestValidator() *Validator {
	return NewValidator(expression.NewEvaluator(expression.Limits{}))
}

func gatewayDef() model.ProcessDefinition {
	return model.ProcessDefinition{
		ID:          "route",
		Name:        "Route",
		InitialStep: "A",
		Steps: []model.StepDefinition{
			{ID: "A", Action: model.ActionSpec{Action: &model.GatewayAction{
				Mode:     model.GatewayExclusive,
				Branches: []model.Branch{{Condition: "x > 10", Next: "B"}},
				Default:  "C",
			}}},
			{ID: "B", Action: model.ActionSpec{Action: &model.ScriptAction{Set: []model.Assignment{{Variable: "path", Expression: "'B'"}}}}, OnSuccess: model.EndStep},
			{ID: "C", Action: model.ActionSpec{Action: &model.ScriptAction{Set: []model.Assignment{{Variable: "path", Expression: "'C'"}}}}, OnSuccess: model.EndStep},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestValidator_valid(t *testing.T) {
	errs := newTestValidator().Validate(gatewayDef())
	if len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_loadedFiles(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	v := newTestValidator()
	for _, d := range defs {
		if errs := v.Validate(d); len(errs) != 0 {
			t.Errorf("Validate(%s) = %v", d.ID, errs)
		}
	}
}

func TestValidator_danglingReference(t *testing.T) {
	def := gatewayDef()
	def.Steps[1].OnSuccess = "nowhere"
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "DANGLING_REFERENCE") {
		t.Fatalf("Validate() = %v, want DANGLING_REFERENCE", errs)
	}
	if errs[0].Path != "steps[1].on_success" {
		t.Errorf("Path = %q, want steps[1].on_success", errs[0].Path)
	}
}

func TestValidator_noTerminalPath(t *testing.T) {
	def := gatewayDef()
	// B and C loop on each other forever.
	def.Steps[1].OnSuccess = "C"
	def.Steps[2].OnSuccess = "B"
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "NO_TERMINAL_PATH") {
		t.Fatalf("Validate() = %v, want NO_TERMINAL_PATH", errs)
	}
}

func TestValidator_loopWithExitAllowed(t *testing.T) {
	def := gatewayDef()
	def.Steps[1].OnSuccess = "A" // B loops back to the gateway, C ends.
	if errs := newTestValidator().Validate(def); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_duplicateAndReservedIDs(t *testing.T) {
	def := gatewayDef()
	def.Steps = append(def.Steps,
		model.StepDefinition{ID: "B", Action: model.ActionSpec{Action: &model.ScriptAction{Handler: "h"}}},
		model.StepDefinition{ID: model.EndStep, Action: model.ActionSpec{Action: &model.ScriptAction{Handler: "h"}}},
	)
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "DUPLICATE") || !hasCode(errs, "RESERVED") {
		t.Fatalf("Validate() = %v, want DUPLICATE and RESERVED", errs)
	}
}

func TestValidator_badExpression(t *testing.T) {
	def := gatewayDef()
	def.Steps[0].Action.Action.(*model.GatewayAction).Branches[0].Condition = "x >"
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "INVALID_EXPRESSION") {
		t.Fatalf("Validate() = %v, want INVALID_EXPRESSION", errs)
	}
}

func TestValidator_humanStepNeedsAssignee(t *testing.T) {
	def := gatewayDef()
	def.Steps[1].Action = model.ActionSpec{Action: &model.TaskAction{}}
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "REQUIRED") {
		t.Fatalf("Validate() = %v, want REQUIRED assignee", errs)
	}
}

func TestValidator_variables(t *testing.T) {
	def := gatewayDef()
	def.Variables = []model.VariableDefinition{
		{Name: "x", Type: model.VarNumber, Default: "ten"},
		{Name: "y", Type: "date"},
	}
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "TYPE_MISMATCH") || !hasCode(errs, "INVALID_ENUM") {
		t.Fatalf("Validate() = %v, want TYPE_MISMATCH and INVALID_ENUM", errs)
	}
}

func TestValidator_slaAndDurations(t *testing.T) {
	def := gatewayDef()
	def.SLA = &model.SLADefinition{Target: "soon", WarningThreshold: 150}
	def.Steps[1].Timeout = "-5m"
	errs := newTestValidator().Validate(def)
	count := 0
	for _, e := range errs {
		if e.Code == "INVALID_DURATION" || e.Path == "sla.warning_threshold" {
			count++
		}
	}
	if count != 3 {
		t.Fatalf("Validate() = %v, want 3 sla/duration errors", errs)
	}
}

func TestValidator_retryBounds(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		wantErr bool
	}{
		{"zero", 0, false},
		{"at limit", model.MaxRetryLimit, false},
		{"negative", -1, true},
		{"above limit", model.MaxRetryLimit + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := gatewayDef()
			def.Steps[1].Retry = &model.RetryPolicy{MaxRetries: tt.retries, RetryDelay: "1m", ExponentialBackoff: true}
			errs := newTestValidator().Validate(def)
			got := false
			for _, e := range errs {
				if e.Path == "steps[1].retry.max_retries" && e.Code == "INVALID_VALUE" {
					got = true
				}
			}
			if got != tt.wantErr {
				t.Errorf("Validate() = %v, want max_retries error %v", errs, tt.wantErr)
			}
		})
	}
}

func TestValidator_orphanJoin(t *testing.T) {
	def := gatewayDef()
	def.Steps[2] = model.StepDefinition{ID: "C", Action: model.ActionSpec{Action: &model.GatewayAction{Mode: model.GatewayJoin}}}
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "ORPHAN_JOIN") {
		t.Fatalf("Validate() = %v, want ORPHAN_JOIN", errs)
	}
}

func TestValidator_escalationScope(t *testing.T) {
	def := gatewayDef()
	def.Escalations = []model.EscalationRule{
		{ID: "e1", Step: "B", Delay: "1h", Action: model.EscalationAction{Type: model.EscalationNotify}},
		{ID: "e2", Delay: "1h", Action: model.EscalationAction{Type: model.EscalationReassign}},
	}
	errs := newTestValidator().Validate(def)
	if !hasCode(errs, "INVALID_VALUE") {
		t.Errorf("Validate() = %v, want INVALID_VALUE for non-human escalation step", errs)
	}
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED assignee for reassign", errs)
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
	err := AsError([]VError{{Path: "id", Code: "REQUIRED", Message: "id is required"}})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("AsError() code = %q", model.CodeOf(err))
	}
}

func TestMatchesType(t *testing.T) {
	tests := []struct {
		typ  string
		v    any
		want bool
	}{
		{model.VarString, "a", true},
		{model.VarNumber, 3, true},
		{model.VarNumber, 3.5, true},
		{model.VarNumber, "3", false},
		{model.VarBoolean, true, true},
		{model.VarObject, map[string]any{}, true},
		{model.VarList, []any{1}, true},
		{model.VarList, "x", false},
	}
	for _, tt := range tests {
		if got := MatchesType(tt.typ, tt.v); got != tt.want {
			t.Errorf("MatchesType(%s, %v) = %v, want %v", tt.typ, tt.v, got, tt.want)
		}
	}
}
