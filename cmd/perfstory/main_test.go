package main

import (
	"strings"
	"testing"
)

func TestSplitActionsDefaults(t *testing.T) {
	got, err := splitActions("   ")
	if err != nil {
		t.Fatalf("splitActions() error = %v", err)
	}
	if len(got) != len(defaultActions) {
		t.Fatalf("len(actions) = %d, want %d", len(got), len(defaultActions))
	}
	if got[0] != defaultActions[0] {
		t.Fatalf("actions[0] = %q, want %q", got[0], defaultActions[0])
	}
}

func TestSplitActionsTrimsAndDropsEmpty(t *testing.T) {
	got, err := splitActions(" open the door | | light a torch |")
	if err != nil {
		t.Fatalf("splitActions() error = %v", err)
	}
	want := []string{"open the door", "light a torch"}
	if len(got) != len(want) {
		t.Fatalf("len(actions) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitActionsRejectsAllEmpty(t *testing.T) {
	if _, err := splitActions(" | | "); err == nil {
		t.Fatalf("splitActions() expected error for all-empty input")
	}
}

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://story.example.com/api/", "sess-1", "perf-p1")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if !strings.HasPrefix(got, "wss://story.example.com/api/v1/story/sessions/ws?") {
		t.Fatalf("url = %q, want wss prefix with api path", got)
	}
	if !strings.Contains(got, "session_id=sess-1") || !strings.Contains(got, "player_id=perf-p1") {
		t.Fatalf("url = %q, missing identity query params", got)
	}
}

func TestWSURLForSessionRejectsBadScheme(t *testing.T) {
	if _, err := wsURLForSession("ftp://host", "sess-1", "perf-p1"); err == nil {
		t.Fatalf("wsURLForSession() expected error for ftp scheme")
	}
}

func TestFormatStageLine(t *testing.T) {
	line := formatStageLine(stageStats{Stage: "generation", Samples: 12, AvgMS: 431.2, P50MS: 410.0, P95MS: 612.7})
	if !strings.Contains(line, "stage=generation") {
		t.Fatalf("line = %q, missing stage name", line)
	}
	if !strings.Contains(line, "samples=12") {
		t.Fatalf("line = %q, missing sample count", line)
	}
	if !strings.Contains(line, "p95=613ms") {
		t.Fatalf("line = %q, p95 not rounded to whole ms", line)
	}
}
