package storygen

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CLIGenerator shells out to a local narrator binary: the prompt goes to
// stdin, the scene JSON comes back on stdout.
type CLIGenerator struct {
	binaryPath string
}

func NewCLIGenerator(binaryPath string) *CLIGenerator {
	return &CLIGenerator{binaryPath: strings.TrimSpace(binaryPath)}
}

func (g *CLIGenerator) GenerateScene(ctx context.Context, req Request, onDelta DeltaHandler) (Scene, error) {
	prompt := BuildPrompt(req)

	var lastErr error
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		raw, err := g.run(ctx, prompt)
		if err != nil {
			return Scene{}, err
		}

		scene, err := ParseScene(raw)
		if err == nil {
			if onDelta != nil && scene.Narrative != "" {
				if err := onDelta(scene.Narrative); err != nil {
					return Scene{}, err
				}
			}
			return scene, nil
		}
		lastErr = err
		prompt = BuildRepairPrompt(raw, err)
	}

	return Scene{}, fmt.Errorf("%w: invalid output after %d attempts: %v", ErrGenerationFailed, maxGenerateAttempts, lastErr)
}

func (g *CLIGenerator) run(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binaryPath)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// exec.CommandContext may surface "signal: killed" instead of context cancellation.
			return "", ctx.Err()
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = strings.TrimSpace(stdout.String())
		}
		if errText != "" {
			return "", fmt.Errorf("narrator cli failed: %w: %s", err, errText)
		}
		return "", fmt.Errorf("narrator cli failed: %w", err)
	}

	return stdout.String(), nil
}
