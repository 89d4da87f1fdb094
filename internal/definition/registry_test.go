package definition

import (
	"context"
	"sync"
	"testing"

	"github.com/pitabwire/careflow/model"
)

func TestRegistry_PublishAssignsVersions(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	first, err := r.Publish(ctx, gatewayDef())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if first.Version != 1 {
		t.Errorf("first Version = %d, want 1", first.Version)
	}
	second, err := r.Publish(ctx, gatewayDef())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if second.Version != 2 {
		t.Errorf("second Version = %d, want 2", second.Version)
	}
	if second.PublishedAt.IsZero() {
		t.Error("PublishedAt not set")
	}

	latest, err := r.Latest(ctx, "route")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("Latest().Version = %d, want 2", latest.Version)
	}
	v1, err := r.Get(ctx, "route", 1)
	if err != nil || v1.Version != 1 {
		t.Errorf("Get(route, 1) = %v, %v", v1.Version, err)
	}
}

func TestRegistry_PublishIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	def := gatewayDef()
	def.Version = 3
	if _, err := r.Publish(ctx, def); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	def.Name = "changed"
	_, err := r.Publish(ctx, def)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("re-Publish() error = %v, want CONFLICT", err)
	}
	got, _ := r.Get(ctx, "route", 3)
	if got.Name != "Route" {
		t.Errorf("stored Name = %q, want original", got.Name)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	if _, err := r.Get(ctx, "missing", 1); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get() error = %v, want NOT_FOUND", err)
	}
	if _, err := r.Latest(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Latest() error = %v, want NOT_FOUND", err)
	}
	if _, err := r.Versions(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Versions() error = %v, want NOT_FOUND", err)
	}
}

func TestRegistry_ListLatestOnly(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, _ = r.Publish(ctx, gatewayDef())
	_, _ = r.Publish(ctx, gatewayDef())
	other := gatewayDef()
	other.ID = "another"
	_, _ = r.Publish(ctx, other)

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(list))
	}
	if list[0].ID != "another" || list[1].Version != 2 {
		t.Errorf("List() = %+v", list)
	}
}

func TestRegistry_ChecksumChanges(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	before := r.Checksum()
	def := gatewayDef()
	def.Checksum = "abc"
	_, _ = r.Publish(ctx, def)
	if r.Checksum() == before {
		t.Error("Checksum() unchanged after publish")
	}
}

func TestRegistry_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Publish(ctx, gatewayDef())
			_, _ = r.Latest(ctx, "route")
		}()
	}
	wg.Wait()
	versions, err := r.Versions(ctx, "route")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 20 {
		t.Errorf("Versions() = %d, want 20", len(versions))
	}
	for i, d := range versions {
		if d.Version != i+1 {
			t.Fatalf("versions[%d].Version = %d, want %d", i, d.Version, i+1)
		}
	}
}
