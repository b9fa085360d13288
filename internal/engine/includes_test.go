package engine

import (
	"reflect"
	"testing"

	"forge-backend/internal/metadata"
)

func TestMergeEagerIncludes(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.Load(
		[]*metadata.Entity{{Name: "order"}, {Name: "item"}, {Name: "note"}},
		[]*metadata.Relation{
			{Name: "order_items", Type: "one_to_many", Source: "order", Target: "item", Fetch: "eager"},
			{Name: "order_notes", Type: "one_to_many", Source: "order", Target: "note"},
		},
	)
	entity := reg.GetEntity("order")

	// Eager relation comes for free
	got := mergeEagerIncludes(reg, entity, nil)
	if !reflect.DeepEqual(got, []string{"order_items"}) {
		t.Errorf("expected [order_items], got %v", got)
	}

	// No duplicate when the client asks for it explicitly
	got = mergeEagerIncludes(reg, entity, []string{"order_items"})
	if !reflect.DeepEqual(got, []string{"order_items"}) {
		t.Errorf("expected [order_items], got %v", got)
	}

	// Requested lazy includes are preserved alongside
	got = mergeEagerIncludes(reg, entity, []string{"order_notes"})
	if !reflect.DeepEqual(got, []string{"order_notes", "order_items"}) {
		t.Errorf("expected [order_notes order_items], got %v", got)
	}

	// Entities with no eager relations are untouched
	if got := mergeEagerIncludes(reg, reg.GetEntity("item"), nil); len(got) != 0 {
		t.Errorf("expected no includes for item, got %v", got)
	}
}
