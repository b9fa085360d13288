package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// BuildInsertSQL builds an INSERT ... RETURNING statement for the parent or
// a nested child row. Values the client supplied win; generated UUID PKs
// fall back to application-side generation when the dialect has no default.
func BuildInsertSQL(entity *metadata.Entity, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var cols []string
	var placeholders []string

	pk := entity.PrimaryKey
	if pk.Generated && pk.Type == "uuid" && fields[pk.Field] == nil && dialect.UUIDDefault() == "" {
		cols = append(cols, pk.Field)
		placeholders = append(placeholders, pb.Add(store.GenerateUUID()))
	}

	for _, f := range entity.Fields {
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		if f.Name == pk.Field && pk.Generated && val == nil {
			continue
		}
		cols = append(cols, f.Name)
		placeholders = append(placeholders, pb.Add(encodeSQLValue(&f, val)))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		entity.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), pk.Field)
	return sql, pb.Params()
}

// BuildUpdateSQL builds an UPDATE for the given record. Returns an empty
// statement when the payload carries no updatable columns.
func BuildUpdateSQL(entity *metadata.Entity, id any, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var sets []string

	for _, f := range entity.UpdatableFields() {
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", f.Name, pb.Add(encodeSQLValue(&f, val))))
	}
	if len(sets) == 0 {
		return "", nil
	}

	// Touch auto-update timestamps alongside any real change
	for _, f := range entity.Fields {
		if f.Auto == "update" {
			sets = append(sets, fmt.Sprintf("%s = %s", f.Name, dialect.NowExpr()))
		}
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(id))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return sql, pb.Params()
}

// BuildSoftDeleteSQL marks a record deleted without removing the row.
func BuildSoftDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, dialect.NowExpr(), entity.PrimaryKey.Field, pb.Add(id))
	return sql, pb.Params()
}

// BuildHardDeleteSQL removes a record permanently.
func BuildHardDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, entity.PrimaryKey.Field, pb.Add(id))
	return sql, pb.Params()
}

// encodeSQLValue serializes structured values for storage. JSON and file
// columns hold documents; both drivers take them as text.
func encodeSQLValue(f *metadata.Field, val any) any {
	if val == nil {
		return nil
	}
	switch f.Type {
	case "json", "file":
		switch val.(type) {
		case string, []byte:
			return val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return val
			}
			return string(b)
		}
	default:
		return val
	}
}
