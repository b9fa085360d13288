package metadata

import (
	"reflect"
	"testing"
)

func TestParseStringArray(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, []string{}},
		{"string slice passthrough", []string{"admin", "editor"}, []string{"admin", "editor"}},
		{"any slice", []any{"admin", "editor"}, []string{"admin", "editor"}},
		{"json array text", `["admin","editor"]`, []string{"admin", "editor"}},
		{"json array bytes", []byte(`["admin"]`), []string{"admin"}},
		{"pg array literal", `{admin,editor}`, []string{"admin", "editor"}},
		{"pg array quoted", `{"admin","content editor"}`, []string{"admin", "content editor"}},
		{"pg array with null", `{admin,NULL}`, []string{"admin"}},
		{"empty pg array", `{}`, []string{}},
		{"bare value", "admin", []string{"admin"}},
		{"empty string", "", []string{}},
	}

	for _, tc := range cases {
		got := ParseStringArray(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: expected %#v, got %#v", tc.name, tc.want, got)
		}
	}
}
