package ai

import (
	"strings"
	"testing"
)

func TestBuildSystemPrompt_NoExistingEntities(t *testing.T) {
	prompt := BuildSystemPrompt(nil)
	if !strings.Contains(prompt, `"entities"`) {
		t.Fatal("expected prompt to describe the entities shape")
	}
	if !strings.Contains(prompt, "one_to_many") {
		t.Fatal("expected prompt to enumerate relation types")
	}
	if strings.Contains(prompt, "already has these entities") {
		t.Fatal("did not expect existing-entity section with empty registry")
	}
}

func TestBuildSystemPrompt_ListsExistingEntities(t *testing.T) {
	prompt := BuildSystemPrompt([]string{"customer", "order"})
	if !strings.Contains(prompt, "customer, order") {
		t.Fatal("expected existing entity names in prompt")
	}
	if !strings.Contains(prompt, "Do not redefine them") {
		t.Fatal("expected instruction not to redefine existing entities")
	}
}
