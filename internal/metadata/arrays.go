package metadata

import (
	"encoding/json"
	"strings"
)

// ParseStringArray normalizes a string-list value from either database shape:
// postgres TEXT[] literals ("{admin,editor}"), JSON text ('["admin"]'), or
// already-decoded slices.
func ParseStringArray(v any) []string {
	switch val := v.(type) {
	case nil:
		return []string{}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []byte:
		return parseArrayText(string(val))
	case string:
		return parseArrayText(val)
	default:
		return []string{}
	}
}

func parseArrayText(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	if strings.HasPrefix(s, "[") {
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
		return []string{}
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		inner := s[1 : len(s)-1]
		if inner == "" {
			return []string{}
		}
		parts := strings.Split(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			p = strings.Trim(p, `"`)
			if p != "" && p != "NULL" {
				out = append(out, p)
			}
		}
		return out
	}
	// Single bare value
	return []string{s}
}
