package storygen

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewGeneratorAutoFallsBackToMock(t *testing.T) {
	g, err := NewGenerator(context.Background(), Config{
		Mode:    "auto",
		CLIPath: "/definitely/missing/narrator",
	})
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	scene, err := g.GenerateScene(context.Background(), Request{
		PlayerName: "Alice",
		Action:     "open the door",
	}, nil)
	if err != nil {
		t.Fatalf("GenerateScene() error = %v", err)
	}
	if !strings.Contains(scene.Narrative, "Alice tries to open the door") {
		t.Fatalf("unexpected mock narrative: %q", scene.Narrative)
	}
	if len(scene.Options) == 0 {
		t.Fatalf("mock scene has no options")
	}
}

func TestNewGeneratorModeRequirements(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"gemini without key", Config{Mode: "gemini"}},
		{"hf without token or url", Config{Mode: "hf"}},
		{"cli without path", Config{Mode: "cli"}},
		{"unknown mode", Config{Mode: "ouija"}},
	}
	for _, tc := range cases {
		if _, err := NewGenerator(context.Background(), tc.cfg); err == nil {
			t.Fatalf("NewGenerator(%s) error = nil, want error", tc.name)
		}
	}
}

func TestFallbackGeneratorUsesFallback(t *testing.T) {
	g := NewFallbackGenerator(errGenerator{}, okGenerator{narrative: "fallback scene"})
	scene, err := g.GenerateScene(context.Background(), Request{Action: "x"}, nil)
	if err != nil {
		t.Fatalf("GenerateScene() error = %v", err)
	}
	if scene.Narrative != "fallback scene" {
		t.Fatalf("narrative = %q, want fallback scene", scene.Narrative)
	}
}

func TestFallbackGeneratorSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingGenerator{narrative: "fallback scene"}
	g := NewFallbackGenerator(cancelGenerator{}, fb)
	_, err := g.GenerateScene(context.Background(), Request{Action: "x"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackGeneratorCombinesErrors(t *testing.T) {
	g := NewFallbackGenerator(errGenerator{}, errGenerator{})
	_, err := g.GenerateScene(context.Background(), Request{Action: "x"}, nil)
	if err == nil {
		t.Fatalf("GenerateScene() error = nil, want combined error")
	}
	if !strings.Contains(err.Error(), "primary generator error") {
		t.Fatalf("error = %v, want primary error mentioned", err)
	}
}

type errGenerator struct{}

func (errGenerator) GenerateScene(context.Context, Request, DeltaHandler) (Scene, error) {
	return Scene{}, errors.New("boom")
}

type okGenerator struct {
	narrative string
}

func (g okGenerator) GenerateScene(context.Context, Request, DeltaHandler) (Scene, error) {
	return Scene{Narrative: g.narrative}, nil
}

type cancelGenerator struct{}

func (cancelGenerator) GenerateScene(context.Context, Request, DeltaHandler) (Scene, error) {
	return Scene{}, context.Canceled
}

type countingGenerator struct {
	narrative string
	calls     int
}

func (g *countingGenerator) GenerateScene(context.Context, Request, DeltaHandler) (Scene, error) {
	g.calls++
	return Scene{Narrative: g.narrative}, nil
}
