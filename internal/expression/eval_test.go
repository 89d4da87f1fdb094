package expression

import (
	"strings"
	"testing"

	"github.com/pitabwire/careflow/model"
)

func TestEvalBool_comparisons(t *testing.T) {
	vars := map[string]any{
		"x":       15,
		"score":   7.5,
		"triage":  "urgent",
		"flags":   []any{"allergy", "diabetic"},
		"patient": map[string]any{"age": 72, "ward": "B"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"x > 10", true},
		{"x <= 10", false},
		{"score >= 7.5 && score < 8", true},
		{"triage == 'urgent'", true},
		{`triage != "routine"`, true},
		{"'allergy' in flags", true},
		{"'cardiac' in flags", false},
		{"patient.age > 65 and patient.ward == 'B'", true},
		{"not (x > 10)", false},
		{"!false || false", true},
		{"x + 5 == 20", true},
		{"x % 4 == 3", true},
		{"-x < 0", true},
		{"len(flags) == 2", true},
		{"upper(triage) == 'URGENT'", true},
		{"contains(flags, 'diabetic')", true},
		{"'urg' in triage", true},
		{"'age' in patient", true},
		{"max(1, x, 3) == 15", true},
		{"min([4, 2, 9]) == 2", true},
		{"defined(missing) == false", true},
		{"coalesce(missing, 3) == 3", true},
		{"x in [1, 15, 30]", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr, Limits{})
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			got, err := p.EvalBool(vars)
			if err != nil {
				t.Fatalf("EvalBool() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EvalBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEval_values(t *testing.T) {
	vars := map[string]any{"first": "Ada", "last": "Lovelace", "n": 3}
	tests := []struct {
		expr string
		want any
	}{
		{"first + ' ' + last", "Ada Lovelace"},
		{"n * 2 / 4", 1.5},
	}
	for _, tt := range tests {
		got, err := NewEvaluator(Limits{}).Eval(tt.expr, vars)
		if err != nil {
			t.Fatalf("Eval(%q) error = %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v (%T), want %v", tt.expr, got, got, tt.want)
		}
	}
}

func TestEval_undefinedVariable(t *testing.T) {
	_, err := NewEvaluator(Limits{}).EvalBool("missing > 1", map[string]any{})
	if !model.IsCode(err, model.ErrExpressionError) {
		t.Fatalf("error = %v, want EXPRESSION_ERROR", err)
	}
	if !strings.Contains(err.Error(), "undefined variable") {
		t.Errorf("error = %q, want mention of undefined variable", err)
	}
}

func TestEvalBool_nonBooleanResult(t *testing.T) {
	_, err := NewEvaluator(Limits{}).EvalBool("1 + 1", nil)
	if !model.IsCode(err, model.ErrExpressionError) {
		t.Errorf("error = %v, want EXPRESSION_ERROR", err)
	}
}

func TestEval_typeErrors(t *testing.T) {
	e := NewEvaluator(Limits{})
	for _, expr := range []string{
		"'a' < 1",
		"1 && true",
		"!1",
		"1 / 0",
		"'a' - 'b'",
		"len(1)",
	} {
		if _, err := e.Eval(expr, nil); !model.IsCode(err, model.ErrExpressionError) {
			t.Errorf("Eval(%q) error = %v, want EXPRESSION_ERROR", expr, err)
		}
	}
}

func TestCompile_rejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"x >",
		"(x > 1",
		"x > 1 > 0",
		"system('rm')",
		"x = 1",
		"a..b",
		"'open",
		"defined(1)",
		"len(a, b)",
	} {
		if _, err := Compile(expr, Limits{}); err == nil {
			t.Errorf("Compile(%q) succeeded, want error", expr)
		}
	}
}

func TestCompile_limits(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		limits Limits
		want   string
	}{
		{"depth", strings.Repeat("(", 40) + "1" + strings.Repeat(")", 40), Limits{MaxLength: 1000, MaxDepth: 10, MaxNodes: 100}, "depth"},
		{"nodes", strings.Repeat("1 + ", 60) + "1", Limits{MaxLength: 1000, MaxDepth: 10, MaxNodes: 50}, "nodes"},
		{"length", strings.Repeat("a", 20), Limits{MaxLength: 10, MaxDepth: 10, MaxNodes: 10}, "characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.expr, tt.limits)
			if err == nil {
				t.Fatal("expected limit error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestShortCircuit_skipsUndefined(t *testing.T) {
	ok, err := NewEvaluator(Limits{}).EvalBool("defined(dose) && dose > 10", map[string]any{})
	if err != nil {
		t.Fatalf("EvalBool() error = %v", err)
	}
	if ok {
		t.Error("EvalBool() = true, want false")
	}
}

func TestEvaluator_cachesPrograms(t *testing.T) {
	e := NewEvaluator(Limits{})
	p1, err := e.Compile("x > 1")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.Compile("x > 1")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("second Compile returned a new program")
	}
}

func TestEval_deterministic(t *testing.T) {
	e := NewEvaluator(Limits{})
	vars := map[string]any{"x": 12}
	first, err := e.EvalBool("x > 10 && x < 20", vars)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		got, err := e.EvalBool("x > 10 && x < 20", vars)
		if err != nil || got != first {
			t.Fatalf("run %d = %v, %v; want %v", i, got, err, first)
		}
	}
}
