package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"forge-backend/internal/metadata"
)

// TestResolveEntity_UnknownEntityReturnsError verifies that resolveEntity returns
// a non-nil error when the entity doesn't exist in the registry. Callers check
// `if err != nil` before touching entity, so a (nil, nil) return would panic
// on entity.Name.
func TestResolveEntity_UnknownEntityReturnsError(t *testing.T) {
	reg := metadata.NewRegistry()
	// Load a single entity so registry is non-empty but "nonexistent" won't be found
	reg.Load([]*metadata.Entity{
		{Name: "customer", Table: "customer", PrimaryKey: metadata.PrimaryKey{Field: "id", Generated: true}},
	}, nil)

	h := NewHandler(nil, reg)

	app := fiber.New()
	app.Get("/api/:entity", func(c *fiber.Ctx) error {
		entity, err := h.resolveEntity(c)
		if err != nil {
			var appErr *AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *AppError, got %T: %v", err, err)
			}
			if appErr.Code != "UNKNOWN_ENTITY" {
				t.Fatalf("expected code UNKNOWN_ENTITY, got %s", appErr.Code)
			}
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}
		if entity == nil {
			t.Fatal("resolveEntity returned nil entity with nil error")
		}
		return c.JSON(fiber.Map{"name": entity.Name})
	})

	// Test 1: Unknown entity should return error, not panic
	req, _ := http.NewRequest("GET", "/api/nonexistent", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for unknown entity, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errResp.Error.Code != "UNKNOWN_ENTITY" {
		t.Fatalf("expected UNKNOWN_ENTITY code, got %s", errResp.Error.Code)
	}
	if !strings.Contains(errResp.Error.Message, "nonexistent") {
		t.Fatalf("expected message to contain entity name, got: %s", errResp.Error.Message)
	}

	// Test 2: Known entity should return successfully
	req2, _ := http.NewRequest("GET", "/api/customer", nil)
	resp2, err := app.Test(req2, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("expected 200 for known entity, got %d", resp2.StatusCode)
	}
}
