package definition

import (
	"testing"

	"github.com/pitabwire/careflow/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/valid/admission.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "patient.admission" {
		t.Errorf("ID = %q, want patient.admission", def.ID)
	}
	if def.Version != 1 {
		t.Errorf("Version = %d, want 1", def.Version)
	}
	if len(def.Steps) != 5 {
		t.Fatalf("Steps = %d, want 5", len(def.Steps))
	}
	triage, ok := def.Step("triage")
	if !ok {
		t.Fatal("step triage not found")
	}
	if triage.Kind() != model.KindTask {
		t.Errorf("triage kind = %q, want task", triage.Kind())
	}
	if triage.Assignee == nil || triage.Assignee.Fallback == nil {
		t.Fatal("triage assignee fallback not decoded")
	}
	route, _ := def.Step("route")
	gw, ok := route.Action.Action.(*model.GatewayAction)
	if !ok {
		t.Fatalf("route action = %T, want *GatewayAction", route.Action.Action)
	}
	if gw.Default != "ward-bed" {
		t.Errorf("gateway default = %q, want ward-bed", gw.Default)
	}
	if def.SLA == nil || def.SLA.WarningThreshold != 75 {
		t.Errorf("SLA = %+v", def.SLA)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/valid/admission.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_schema_violation(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/schema.yaml")
	if err == nil {
		t.Fatal("LoadFile() without steps should fail the schema check")
	}
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("error code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
}

func TestLoader_Parse_unknownKind(t *testing.T) {
	doc := []byte(`
id: x
name: X
initial_step: a
steps:
  - id: a
    action:
      kind: teleport
`)
	if _, err := NewLoader().Parse(doc); err == nil {
		t.Fatal("Parse() with unknown action kind should return error")
	}
}

func TestLoader_Parse_json(t *testing.T) {
	doc := []byte(`{"id":"j","name":"J","initial_step":"a","steps":[{"id":"a","action":{"kind":"task"},"assignee":{"type":"user","value":"u1"}}]}`)
	def, err := NewLoader().Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if def.Steps[0].Kind() != model.KindTask {
		t.Errorf("kind = %q, want task", def.Steps[0].Kind())
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
}

func TestLoader_LoadAll_nonexistent_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/does-not-exist"})
	if err == nil {
		t.Fatal("LoadAll() with nonexistent directory should return error")
	}
}
