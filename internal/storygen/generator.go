package storygen

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Request carries everything the narrator needs to continue one story.
type Request struct {
	SessionID  string   `json:"session_id"`
	TurnID     string   `json:"turn_id"`
	PlayerName string   `json:"player_name"`
	Action     string   `json:"action"`
	Theme      string   `json:"theme,omitempty"`
	History    []string `json:"history,omitempty"`
}

// Scene is one validated narrative beat: what happened, plus 2-3 suggested
// follow-up actions.
type Scene struct {
	Narrative string   `json:"narrative"`
	Options   []string `json:"options,omitempty"`
}

// DeltaHandler receives streaming narrative fragments.
type DeltaHandler func(delta string) error

// Generator produces the next scene for a player action.
type Generator interface {
	GenerateScene(ctx context.Context, req Request, onDelta DeltaHandler) (Scene, error)
}

// ErrGenerationFailed marks a model failure the session recovers from: the
// action is discarded and the story state is untouched.
var ErrGenerationFailed = errors.New("scene generation failed")

// maxGenerateAttempts bounds the generate-then-repair loop per turn.
const maxGenerateAttempts = 3

// Config controls generator construction.
type Config struct {
	Mode                string
	HFEndpointURL       string
	HFToken             string
	HFModel             string
	HFMaxNewTokens      int
	HFTemperature       float64
	HFTopP              float64
	HFRepetitionPenalty float64
	GeminiAPIKey        string
	GeminiModel         string
	CLIPath             string
}

func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(ctx, cfg), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("gemini api key is required for gemini mode")
		}
		return NewGeminiGenerator(ctx, cfg)
	case "hf":
		if strings.TrimSpace(cfg.HFToken) == "" && strings.TrimSpace(cfg.HFEndpointURL) == "" {
			return nil, errors.New("hugging face token or endpoint url is required for hf mode")
		}
		return NewHFGenerator(cfg), nil
	case "cli":
		if strings.TrimSpace(cfg.CLIPath) == "" {
			return nil, errors.New("narrator CLI path is required for cli mode")
		}
		return NewCLIGenerator(cfg.CLIPath), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported story generator mode %q", cfg.Mode)
	}
}

// ResolvedMode reports the backend a configuration selects, with "auto"
// resolved to the backend its chain would try first.
func ResolvedMode(cfg Config) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode != "" && mode != "auto" {
		return mode
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		return "gemini"
	}
	if strings.TrimSpace(cfg.HFToken) != "" || strings.TrimSpace(cfg.HFEndpointURL) != "" {
		return "hf"
	}
	if cliPath := strings.TrimSpace(cfg.CLIPath); cliPath != "" {
		if _, err := exec.LookPath(cliPath); err == nil {
			return "cli"
		}
	}
	return "mock"
}

func newAutoGenerator(ctx context.Context, cfg Config) Generator {
	secondary := newAutoGeneratorNoGemini(cfg)

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if g, err := NewGeminiGenerator(ctx, cfg); err == nil {
			return NewFallbackGenerator(g, secondary)
		}
	}

	return secondary
}

func newAutoGeneratorNoGemini(cfg Config) Generator {
	if strings.TrimSpace(cfg.HFToken) != "" || strings.TrimSpace(cfg.HFEndpointURL) != "" {
		return NewHFGenerator(cfg)
	}

	cliPath := strings.TrimSpace(cfg.CLIPath)
	if cliPath != "" {
		if _, err := exec.LookPath(cliPath); err == nil {
			return NewCLIGenerator(cliPath)
		}
	}

	return NewMockGenerator()
}
