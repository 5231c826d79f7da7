package storygen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/fableloom/internal/reliability"
)

const (
	defaultHFBaseURL      = "https://api-inference.huggingface.co/models/"
	defaultHFModel        = "mistralai/Mistral-7B-Instruct-v0.2"
	hfMaxTransportRetries = 2
)

// HFGenerator calls a Hugging Face text-generation endpoint (hosted inference
// API or a dedicated endpoint URL).
type HFGenerator struct {
	endpointURL string
	token       string
	params      hfParameters
	client      *http.Client
}

type hfParameters struct {
	MaxNewTokens      int     `json:"max_new_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	ReturnFullText    bool    `json:"return_full_text"`
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

func NewHFGenerator(cfg Config) *HFGenerator {
	endpoint := strings.TrimSpace(cfg.HFEndpointURL)
	if endpoint == "" {
		model := strings.TrimSpace(cfg.HFModel)
		if model == "" {
			model = defaultHFModel
		}
		endpoint = defaultHFBaseURL + model
	}

	params := hfParameters{
		MaxNewTokens:      cfg.HFMaxNewTokens,
		Temperature:       cfg.HFTemperature,
		TopP:              cfg.HFTopP,
		RepetitionPenalty: cfg.HFRepetitionPenalty,
	}
	if params.MaxNewTokens <= 0 {
		params.MaxNewTokens = 600
	}
	if params.Temperature <= 0 {
		params.Temperature = 0.6
	}
	if params.TopP <= 0 {
		params.TopP = 0.9
	}
	if params.RepetitionPenalty <= 0 {
		params.RepetitionPenalty = 1.1
	}

	return &HFGenerator{
		endpointURL: endpoint,
		token:       strings.TrimSpace(cfg.HFToken),
		params:      params,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (g *HFGenerator) GenerateScene(ctx context.Context, req Request, onDelta DeltaHandler) (Scene, error) {
	prompt := BuildPrompt(req)

	var lastErr error
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		raw, err := g.complete(ctx, prompt)
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

func (g *HFGenerator) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(hfRequest{Inputs: prompt, Parameters: g.params})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	for try := 0; ; try++ {
		raw, status, err := g.post(ctx, payload)
		if err != nil {
			return "", err
		}
		if status >= 200 && status < 300 {
			return raw, nil
		}
		if !reliability.IsRetryableHTTPStatus(status) || try >= hfMaxTransportRetries {
			return "", fmt.Errorf("hugging face status %d: %s", status, truncateForError(raw))
		}

		wait := reliability.ExponentialBackoff(try, 500*time.Millisecond, 4*time.Second)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (g *HFGenerator) post(ctx context.Context, payload []byte) (string, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpointURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		return string(body), res.StatusCode, nil
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		text, err := consumeStreamingBody(res.Body)
		if err != nil {
			return "", 0, err
		}
		return text, res.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}
	return extractGeneratedText(body), res.StatusCode, nil
}

type hfStreamEvent struct {
	Token struct {
		Text string `json:"text"`
	} `json:"token"`
	GeneratedText string `json:"generated_text"`
}

// consumeStreamingBody reassembles text-generation-inference event streams:
// token events carry fragments and the final event carries the complete
// generated_text.
func consumeStreamingBody(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var tokens strings.Builder
	var final string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "" || line == "[DONE]" {
			continue
		}

		var evt hfStreamEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if evt.GeneratedText != "" {
			final = evt.GeneratedText
		}
		tokens.WriteString(evt.Token.Text)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}

	if final != "" {
		return final, nil
	}
	return tokens.String(), nil
}

// extractGeneratedText handles the inference API's list-of-results shape and
// the single-object shape some dedicated endpoints return.
func extractGeneratedText(body []byte) string {
	var list []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		return list[0].GeneratedText
	}

	var obj struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.GeneratedText != "" {
		return obj.GeneratedText
	}

	return string(body)
}

func truncateForError(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		return body[:512]
	}
	return body
}
