package definition

import (
	"context"
	"testing"

	"github.com/pitabwire/careflow/model"
)

func newTestCatalog() *Catalog {
	return NewCatalog(NewRegistry(), newTestValidator(), nil)
}

func TestCatalog_PublishRejectsInvalid(t *testing.T) {
	c := newTestCatalog()
	def := gatewayDef()
	def.Steps[1].OnSuccess = "nowhere"

	_, err := c.Publish(context.Background(), def)
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Publish() error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := c.Store().Latest(context.Background(), def.ID); !model.IsCode(err, model.ErrNotFound) {
		t.Error("invalid definition should not be stored")
	}
}

func TestCatalog_SubprocessMustExist(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()
	parent := gatewayDef()
	parent.ID = "parent"
	parent.Steps[1].Action = model.ActionSpec{Action: &model.SubprocessAction{Definition: "route"}}

	if _, err := c.Publish(ctx, parent); !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Publish() error = %v, want VALIDATION_ERROR for missing subprocess", err)
	}
	if _, err := c.Publish(ctx, gatewayDef()); err != nil {
		t.Fatalf("Publish(route) error = %v", err)
	}
	if _, err := c.Publish(ctx, parent); err != nil {
		t.Fatalf("Publish(parent) error = %v", err)
	}
}

func TestCatalog_LoadDirectoriesIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()

	n, err := c.LoadDirectories(ctx, []string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadDirectories() error = %v", err)
	}
	if n != 2 {
		t.Errorf("first load published %d, want 2", n)
	}

	n, err = c.LoadDirectories(ctx, []string{"testdata/valid"})
	if err != nil {
		t.Fatalf("second LoadDirectories() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second load published %d, want 0", n)
	}
	versions, _ := c.Store().Versions(ctx, "patient.discharge")
	if len(versions) != 1 {
		t.Errorf("discharge versions = %d, want 1", len(versions))
	}
}

func TestCatalog_PublishDocument(t *testing.T) {
	doc := []byte(`
id: lab.order
name: Lab order
initial_step: draw
steps:
  - id: draw
    action:
      kind: task
    assignee:
      type: role
      value: phlebotomist
`)
	def, err := newTestCatalog().PublishDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("PublishDocument() error = %v", err)
	}
	if def.Version != 1 || def.Checksum == "" {
		t.Errorf("published = %d %q", def.Version, def.Checksum)
	}
}

func TestOrderBySubprocess(t *testing.T) {
	parent := model.ProcessDefinition{ID: "p", Steps: []model.StepDefinition{
		{ID: "s", Action: model.ActionSpec{Action: &model.SubprocessAction{Definition: "c"}}},
	}}
	child := model.ProcessDefinition{ID: "c"}
	out := orderBySubprocess([]model.ProcessDefinition{parent, child})
	if out[0].ID != "c" || out[1].ID != "p" {
		t.Errorf("order = %s, %s; want c, p", out[0].ID, out[1].ID)
	}
}
