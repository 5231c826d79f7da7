package storygen

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildPromptIncludesContext(t *testing.T) {
	prompt := BuildPrompt(Request{
		PlayerName: "Alice",
		Action:     "open the door",
		Theme:      "haunted lighthouse",
		History:    []string{"Alice tried: enter the tower", "Narrator: The stairs spiral up into darkness."},
	})

	for _, want := range []string{
		"Story theme: haunted lighthouse",
		"- Alice tried: enter the tower",
		"Alice now tries: open the door",
		"JSON only",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptWithoutOptionalSections(t *testing.T) {
	prompt := BuildPrompt(Request{Action: "look around"})
	if strings.Contains(prompt, "Story theme:") {
		t.Fatalf("prompt has theme section without a theme:\n%s", prompt)
	}
	if strings.Contains(prompt, "story so far") {
		t.Fatalf("prompt has history section without history:\n%s", prompt)
	}
	if !strings.Contains(prompt, "The player now tries: look around") {
		t.Fatalf("prompt missing default player label:\n%s", prompt)
	}
}

func TestBuildRepairPromptEchoesRawAndError(t *testing.T) {
	raw := `{"options": ["Go"]}`
	prompt := BuildRepairPrompt(raw, errors.New("narrative is required"))

	if !strings.Contains(prompt, raw) {
		t.Fatalf("repair prompt does not echo invalid output:\n%s", prompt)
	}
	if !strings.Contains(prompt, "narrative is required") {
		t.Fatalf("repair prompt does not echo validation error:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Fix ALL errors") {
		t.Fatalf("repair prompt missing fix instruction:\n%s", prompt)
	}
}
