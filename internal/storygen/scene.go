package storygen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidScene marks model output that failed decoding or validation; the
// adapters feed these errors back through a repair prompt before giving up.
var ErrInvalidScene = errors.New("invalid scene output")

const (
	maxSceneOptions = 3
	maxOptionChars  = 50
)

// ParseScene decodes model output into a Scene. Models wrap JSON in prose or
// code fences often enough that decoding tries the raw text, then fenced
// blocks, then the last JSON-looking region.
func ParseScene(raw string) (Scene, error) {
	candidate, ok := extractJSONObject(stripCodeFences(raw))
	if !ok {
		return Scene{}, fmt.Errorf("%w: no JSON object in model output", ErrInvalidScene)
	}

	var scene Scene
	if err := json.Unmarshal([]byte(candidate), &scene); err != nil {
		return Scene{}, fmt.Errorf("%w: %v", ErrInvalidScene, err)
	}
	scene.Narrative = strings.TrimSpace(scene.Narrative)
	for i, option := range scene.Options {
		scene.Options[i] = strings.TrimSpace(option)
	}
	if err := validateScene(scene); err != nil {
		return Scene{}, err
	}
	return scene, nil
}

func validateScene(scene Scene) error {
	if scene.Narrative == "" {
		return fmt.Errorf("%w: narrative is required", ErrInvalidScene)
	}
	if len(scene.Options) > maxSceneOptions {
		return fmt.Errorf("%w: too many options (%d), want at most %d", ErrInvalidScene, len(scene.Options), maxSceneOptions)
	}
	for i, option := range scene.Options {
		if option == "" {
			return fmt.Errorf("%w: option %d is empty", ErrInvalidScene, i+1)
		}
		if utf8.RuneCountInString(option) > maxOptionChars {
			return fmt.Errorf("%w: option %d exceeds %d characters", ErrInvalidScene, i+1, maxOptionChars)
		}
	}
	return nil
}

func stripCodeFences(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "```")
	if start < 0 {
		return raw
	}
	rest := raw[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{}") {
		// Skip a language label like ```json.
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func extractJSONObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if json.Valid([]byte(raw)) && strings.HasPrefix(raw, "{") {
		return raw, true
	}

	// Models often emit commentary before the JSON. Parse from the last
	// JSON-looking block.
	if start := strings.LastIndex(raw, "\n{"); start >= 0 {
		candidate := strings.TrimSpace(raw[start+1:])
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}

	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		candidate := raw[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}
