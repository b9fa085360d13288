package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"forge-backend/internal/metadata"
)

// RelationWrite is one planned write against a declared relation.
type RelationWrite struct {
	Relation  *metadata.Relation
	WriteMode string
	Data      []map[string]any
}

// SeparateFieldsAndRelations splits an incoming body into scalar field
// values, relation writes, and keys that match neither.
func SeparateFieldsAndRelations(entity *metadata.Entity, reg *metadata.Registry, body map[string]any) (map[string]any, []*RelationWrite, []string) {
	fields := make(map[string]any)
	var relWrites []*RelationWrite
	var unknown []string

	relsByKey := make(map[string]*metadata.Relation)
	for _, rel := range reg.GetRelationsForSource(entity.Name) {
		relsByKey[rel.Name] = rel
		// Allow addressing a relation by its target entity name too
		// (e.g. "line_items" relation vs "line_item" target).
		if _, taken := relsByKey[rel.Target]; !taken {
			relsByKey[rel.Target] = rel
		}
	}

	for key, val := range body {
		if entity.HasField(key) {
			fields[key] = val
			continue
		}
		if rel, ok := relsByKey[key]; ok {
			relWrites = append(relWrites, &RelationWrite{
				Relation:  rel,
				WriteMode: rel.DefaultWriteMode(),
				Data:      normalizeRelationData(val),
			})
			continue
		}
		unknown = append(unknown, key)
	}

	return fields, relWrites, unknown
}

// normalizeRelationData accepts either a single object (one_to_one) or a
// list of objects and returns a uniform slice.
func normalizeRelationData(val any) []map[string]any {
	switch v := val.(type) {
	case []any:
		var rows []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	case map[string]any:
		return []map[string]any{v}
	case []map[string]any:
		return v
	default:
		return nil
	}
}

// ValidateFields enforces required-on-create, enum membership, and per-type
// coercion. All errors are collected; nothing short-circuits.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	var errs []ErrorDetail

	if isCreate {
		for _, f := range entity.WritableFields() {
			if !f.Required {
				continue
			}
			val, present := fields[f.Name]
			if !present || val == nil || fmt.Sprintf("%v", val) == "" {
				if f.Default != nil {
					continue
				}
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("%s is required", f.Name),
				})
			}
		}
	}

	for name, val := range fields {
		f := entity.GetField(name)
		if f == nil || val == nil {
			continue
		}

		coerced, err := coerceFieldValue(f, val)
		if err != nil {
			errs = append(errs, ErrorDetail{
				Field:   name,
				Rule:    "type",
				Message: err.Error(),
			})
			continue
		}
		fields[name] = coerced

		if len(f.Enum) > 0 {
			strVal := fmt.Sprintf("%v", coerced)
			if !containsString(f.Enum, strVal) {
				errs = append(errs, ErrorDetail{
					Field:   name,
					Rule:    "enum",
					Message: fmt.Sprintf("%s must be one of: %s", name, strings.Join(f.Enum, ", ")),
				})
			}
		}
	}

	return errs
}

func coerceFieldValue(f *metadata.Field, val any) (any, error) {
	switch f.Type {
	case "int", "bigint":
		switch v := val.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("%s must be an integer", f.Name)
			}
			return int64(v), nil
		case int, int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be an integer", f.Name)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("%s must be an integer", f.Name)
		}
	case "float", "decimal":
		switch v := val.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be a number", f.Name)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("%s must be a number", f.Name)
		}
	case "boolean":
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%s must be a boolean", f.Name)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("%s must be a boolean", f.Name)
		}
	case "uuid":
		s, ok := val.(string)
		if !ok || !uuidRE.MatchString(strings.ToLower(s)) {
			return nil, fmt.Errorf("%s must be a valid UUID", f.Name)
		}
		return s, nil
	case "timestamp":
		switch v := val.(type) {
		case time.Time:
			return v, nil
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t, nil
			}
			if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
				return t, nil
			}
			return nil, fmt.Errorf("%s must be an ISO8601 timestamp", f.Name)
		default:
			return nil, fmt.Errorf("%s must be an ISO8601 timestamp", f.Name)
		}
	case "date":
		switch v := val.(type) {
		case time.Time:
			return v, nil
		case string:
			if _, err := time.Parse("2006-01-02", v); err == nil {
				return v, nil
			}
			return nil, fmt.Errorf("%s must be a date (YYYY-MM-DD)", f.Name)
		default:
			return nil, fmt.Errorf("%s must be a date (YYYY-MM-DD)", f.Name)
		}
	default:
		// string, text, json, file pass through; SQL layer serializes maps
		return val, nil
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
