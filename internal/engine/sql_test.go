package engine

import (
	"context"
	"strings"
	"testing"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

func TestEncodeSQLValue_JSONField(t *testing.T) {
	jsonField := &metadata.Field{Name: "meta", Type: "json"}

	encoded := encodeSQLValue(jsonField, map[string]any{"tags": []string{"a", "b"}})
	s, ok := encoded.(string)
	if !ok {
		t.Fatalf("expected marshaled string, got %T", encoded)
	}
	if !strings.Contains(s, `"tags"`) {
		t.Errorf("expected marshaled json, got %s", s)
	}

	// Pre-marshaled strings pass through untouched
	if got := encodeSQLValue(jsonField, `{"x":1}`); got != `{"x":1}` {
		t.Errorf("expected string passthrough, got %v", got)
	}

	// Scalars on non-json fields pass through
	plain := &metadata.Field{Name: "total", Type: "number"}
	if got := encodeSQLValue(plain, 42); got != 42 {
		t.Errorf("expected scalar passthrough, got %v", got)
	}
}

func TestBuildInsertSQL_RunsOnSQLite(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	mustExec(t, db, `CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT, meta TEXT)`)

	entity := &metadata.Entity{
		Name:       "note",
		Table:      "notes",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "uuid", Generated: true},
		Fields: []metadata.Field{
			{Name: "id", Type: "uuid"},
			{Name: "title", Type: "string"},
			{Name: "meta", Type: "json"},
		},
	}

	fields := map[string]any{
		"title": "first",
		"meta":  map[string]any{"pinned": true},
	}

	sqlStr, params := BuildInsertSQL(entity, fields, dialect)
	row, err := store.QueryRow(context.Background(), db, sqlStr, params...)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row["id"] == nil {
		t.Fatal("expected generated id")
	}

	stored, err := store.QueryRow(context.Background(), db,
		`SELECT title, meta FROM notes WHERE id = ?`, row["id"])
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if stored["title"] != "first" {
		t.Errorf("expected title=first, got %v", stored["title"])
	}
	meta, _ := stored["meta"].(string)
	if !strings.Contains(meta, `"pinned"`) {
		t.Errorf("expected json meta stored as text, got %v", stored["meta"])
	}
}
