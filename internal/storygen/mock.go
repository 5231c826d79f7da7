package storygen

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator produces deterministic scenes for local play and tests when
// no model is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) GenerateScene(ctx context.Context, req Request, onDelta DeltaHandler) (Scene, error) {
	select {
	case <-ctx.Done():
		return Scene{}, ctx.Err()
	default:
	}

	scene := buildMockScene(req)
	if onDelta != nil && scene.Narrative != "" {
		if err := onDelta(scene.Narrative); err != nil {
			return Scene{}, err
		}
	}
	return scene, nil
}

func buildMockScene(req Request) Scene {
	player := strings.TrimSpace(req.PlayerName)
	if player == "" {
		player = "Someone"
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		action = "waits"
	}

	narrative := fmt.Sprintf("%s tries to %s. Something unseen takes notice.", player, action)
	if theme := strings.TrimSpace(req.Theme); theme != "" {
		narrative = fmt.Sprintf("In the %s, %s tries to %s. Something unseen takes notice.", theme, player, action)
	}

	return Scene{
		Narrative: narrative,
		Options:   []string{"Press on", "Look around", "Turn back"},
	}
}
