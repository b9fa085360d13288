package metadata

import (
	"reflect"
	"testing"
)

func TestRegistryEntityNames(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*Entity{
		{Name: "order"},
		{Name: "customer"},
		{Name: "invoice"},
	}, nil)

	names := reg.EntityNames()
	want := []string{"customer", "invoice", "order"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestRegistryLoadReplacesEntities(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*Entity{{Name: "order"}}, nil)
	reg.Load([]*Entity{{Name: "customer"}}, nil)

	if reg.GetEntity("order") != nil {
		t.Error("expected order to be gone after reload")
	}
	if reg.GetEntity("customer") == nil {
		t.Error("expected customer after reload")
	}
}

func TestRegistryRelationLookup(t *testing.T) {
	reg := NewRegistry()
	rel := &Relation{Name: "order_items", Source: "order", Target: "item"}
	reg.Load([]*Entity{{Name: "order"}, {Name: "item"}}, []*Relation{rel})

	if got := reg.GetRelation("order_items"); got != rel {
		t.Error("expected relation by name")
	}
	bySource := reg.GetRelationsForSource("order")
	if len(bySource) != 1 || bySource[0] != rel {
		t.Errorf("expected 1 relation for source order, got %d", len(bySource))
	}

	// Include alias "items" resolves through the "{entity}_{include}" fallback.
	if got := reg.FindRelationForEntity("items", "order"); got != rel {
		t.Error("expected order_items via entity_include fallback")
	}
}
