package storygen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestHFGeneratorParsesGeneratedText(t *testing.T) {
	sceneJSON := `{"narrative": "The gate swings wide.", "options": ["Enter", "Wait"]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("authorization = %q, want bearer token", got)
		}
		var req hfRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Parameters.MaxNewTokens != 600 {
			t.Errorf("max_new_tokens = %d, want 600", req.Parameters.MaxNewTokens)
		}
		if !strings.Contains(req.Inputs, "Alice now tries: push the gate") {
			t.Errorf("prompt missing action: %q", req.Inputs)
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"generated_text": sceneJSON}})
	}))
	defer srv.Close()

	g := NewHFGenerator(Config{HFEndpointURL: srv.URL, HFToken: "token-1"})

	var deltas []string
	scene, err := g.GenerateScene(context.Background(), Request{
		PlayerName: "Alice",
		Action:     "push the gate",
	}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateScene() error = %v", err)
	}
	if scene.Narrative != "The gate swings wide." {
		t.Fatalf("narrative = %q", scene.Narrative)
	}
	if len(scene.Options) != 2 {
		t.Fatalf("options = %+v, want 2", scene.Options)
	}
	if len(deltas) != 1 || deltas[0] != scene.Narrative {
		t.Fatalf("deltas = %+v, want single narrative emission", deltas)
	}
}

func TestHFGeneratorReassemblesEventStream(t *testing.T) {
	sceneJSON := `{"narrative": "The rope holds.", "options": ["Climb", "Descend"]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"token\":{\"text\":\"{\\\"narrative\\\"\"},\"generated_text\":null}\n\n" +
				"data: {\"token\":{\"text\":\": \\\"...\\\"}\"},\"generated_text\":null}\n\n" +
				"data: {\"token\":{\"text\":\"\"},\"generated_text\":" + strconv.Quote(sceneJSON) + "}\n\n" +
				"data: [DONE]\n",
		))
	}))
	defer srv.Close()

	g := NewHFGenerator(Config{HFEndpointURL: srv.URL})
	scene, err := g.GenerateScene(context.Background(), Request{Action: "climb the rope"}, nil)
	if err != nil {
		t.Fatalf("GenerateScene() error = %v", err)
	}
	if scene.Narrative != "The rope holds." {
		t.Fatalf("narrative = %q, want final generated_text used", scene.Narrative)
	}
}

func TestConsumeStreamingBodyFallsBackToTokens(t *testing.T) {
	body := strings.NewReader(
		`{"token":{"text":"part one"},"generated_text":null}` + "\n" +
			`{"token":{"text":" part two"},"generated_text":null}` + "\n",
	)
	got, err := consumeStreamingBody(body)
	if err != nil {
		t.Fatalf("consumeStreamingBody() error = %v", err)
	}
	if got != "part one part two" {
		t.Fatalf("text = %q, want concatenated tokens", got)
	}
}

func TestHFGeneratorRepairsInvalidOutput(t *testing.T) {
	var (
		mu           sync.Mutex
		calls        int
		repairPrompt string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req hfRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		calls++
		n := calls
		if n == 2 {
			repairPrompt = req.Inputs
		}
		mu.Unlock()

		text := "the narrator rambled with no structure"
		if n >= 2 {
			text = `{"narrative": "Fixed on retry.", "options": ["Continue"]}`
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"generated_text": text}})
	}))
	defer srv.Close()

	g := NewHFGenerator(Config{HFEndpointURL: srv.URL})
	scene, err := g.GenerateScene(context.Background(), Request{Action: "test"}, nil)
	if err != nil {
		t.Fatalf("GenerateScene() error = %v", err)
	}
	if scene.Narrative != "Fixed on retry." {
		t.Fatalf("narrative = %q, want repaired scene", scene.Narrative)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("model calls = %d, want 2", calls)
	}
	if !strings.Contains(repairPrompt, "Validation errors") {
		t.Fatalf("second prompt is not a repair prompt: %q", repairPrompt)
	}
	if !strings.Contains(repairPrompt, "rambled") {
		t.Fatalf("repair prompt does not echo invalid output: %q", repairPrompt)
	}
}

func TestHFGeneratorGivesUpAfterMaxAttempts(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode([]map[string]string{{"generated_text": "still not a scene"}})
	}))
	defer srv.Close()

	g := NewHFGenerator(Config{HFEndpointURL: srv.URL})
	_, err := g.GenerateScene(context.Background(), Request{Action: "test"}, nil)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != maxGenerateAttempts {
		t.Fatalf("model calls = %d, want %d", calls, maxGenerateAttempts)
	}
}

func TestHFGeneratorRetriesRetryableStatus(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": "model is loading"}`))
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"generated_text": `{"narrative": "Back online.", "options": ["Go"]}`},
		})
	}))
	defer srv.Close()

	g := NewHFGenerator(Config{HFEndpointURL: srv.URL})
	scene, err := g.GenerateScene(context.Background(), Request{Action: "test"}, nil)
	if err != nil {
		t.Fatalf("GenerateScene() error = %v", err)
	}
	if scene.Narrative != "Back online." {
		t.Fatalf("narrative = %q", scene.Narrative)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("model calls = %d, want 2 after one retry", calls)
	}
}

func TestHFGeneratorSurfacesNonRetryableStatus(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "invalid token"}`))
	}))
	defer srv.Close()

	g := NewHFGenerator(Config{HFEndpointURL: srv.URL, HFToken: "bad"})
	_, err := g.GenerateScene(context.Background(), Request{Action: "test"}, nil)
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("error = %v, want status 401 surfaced", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("model calls = %d, want 1 without retry", calls)
	}
}
