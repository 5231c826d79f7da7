package storygen

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiGenerator narrates through the Gemini API. Repair attempts reuse the
// same chat so the model sees its own invalid output in context.
type GeminiGenerator struct {
	client    *genai.Client
	modelName string
}

func NewGeminiGenerator(ctx context.Context, cfg Config) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(strings.TrimSpace(cfg.GeminiAPIKey)))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	modelName := strings.TrimSpace(cfg.GeminiModel)
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	return &GeminiGenerator{client: client, modelName: modelName}, nil
}

func (g *GeminiGenerator) GenerateScene(ctx context.Context, req Request, onDelta DeltaHandler) (Scene, error) {
	model := g.client.GenerativeModel(g.modelName)
	chat := model.StartChat()

	message := BuildPrompt(req)
	var lastErr error
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		resp, err := chat.SendMessage(ctx, genai.Text(message))
		if err != nil {
			return Scene{}, fmt.Errorf("gemini send message: %w", err)
		}
		raw := geminiResponseText(resp)

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
		message = BuildRepairPrompt(raw, err)
	}

	return Scene{}, fmt.Errorf("%w: invalid output after %d attempts: %v", ErrGenerationFailed, maxGenerateAttempts, lastErr)
}

func geminiResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	return b.String()
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}
