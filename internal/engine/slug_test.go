package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

func slugTestEntity() *metadata.Entity {
	return &metadata.Entity{
		Name:       "article",
		Table:      "articles",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "string"},
		Slug:       &metadata.SlugConfig{Field: "slug", Source: "title"},
		Fields: []metadata.Field{
			{Name: "title", Type: "string"},
			{Name: "slug", Type: "string"},
		},
	}
}

func TestGenerateUniqueSlug_AppendsSuffix(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	entity := slugTestEntity()

	mustExec(t, db,
		`CREATE TABLE articles (id TEXT PRIMARY KEY, title TEXT, slug TEXT)`,
		`INSERT INTO articles (id, title, slug) VALUES ('a1', 'Story', 'story')`,
	)

	slug, err := generateUniqueSlug(context.Background(), db, entity, dialect, "story", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slug != "story-2" {
		t.Errorf("expected story-2, got %s", slug)
	}
}

func TestGenerateUniqueSlug_ExhaustedSuffixesStaysUnique(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	entity := slugTestEntity()

	mustExec(t, db, `CREATE TABLE articles (id TEXT PRIMARY KEY, title TEXT, slug TEXT)`)
	taken := map[string]bool{"story": true}
	mustExec(t, db, `INSERT INTO articles (id, title, slug) VALUES ('a0', 'Story', 'story')`)
	for i := 2; i <= 100; i++ {
		slug := fmt.Sprintf("story-%d", i)
		taken[slug] = true
		mustExec(t, db, fmt.Sprintf(
			`INSERT INTO articles (id, title, slug) VALUES ('a%d', 'Story', '%s')`, i, slug))
	}

	slug, err := generateUniqueSlug(context.Background(), db, entity, dialect, "story", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taken[slug] {
		t.Fatalf("fallback slug %q collides with an existing row", slug)
	}
	if !strings.HasPrefix(slug, "story-") {
		t.Errorf("expected fallback to keep the base slug prefix, got %s", slug)
	}
}
