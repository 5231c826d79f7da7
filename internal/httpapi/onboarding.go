package httpapi

import (
	"fmt"
	"net/http"
	"os/exec"
	"strings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	GeneratorMode string            `json:"generator_mode"`
	Narrator      string            `json:"narrator"`
	StoreMode     string            `json:"store_mode"`
	SubmitPolicy  string            `json:"submit_policy"`
	Checks        []onboardingCheck `json:"checks"`
}

// handleOnboardingStatus reports whether the service is wired up for real
// play: which narrator backend will answer, and whether stories survive a
// restart. It never calls the model.
func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	narrator, checks := s.narratorChecks()
	checks = append(checks, s.storeChecks()...)

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		GeneratorMode: s.generatorMode(),
		Narrator:      narrator,
		StoreMode:     s.cfg.StoreMode(),
		SubmitPolicy:  s.cfg.SubmitPolicy,
		Checks:        checks,
	})
}

// narratorChecks resolves which backend the configured mode lands on, the
// same way generator construction does.
func (s *Server) narratorChecks() (string, []onboardingCheck) {
	mode := s.generatorMode()
	geminiKey := strings.TrimSpace(s.cfg.GeminiAPIKey)
	hfToken := strings.TrimSpace(s.cfg.HFToken)
	hfURL := strings.TrimSpace(s.cfg.HFEndpointURL)
	cliPath := strings.TrimSpace(s.cfg.NarratorCLIPath)

	var resolved string
	checks := make([]onboardingCheck, 0, 6)

	switch mode {
	case "gemini":
		resolved = "gemini"
		if geminiKey == "" {
			checks = append(checks, onboardingCheck{
				ID:     "narrator_gemini_key",
				Status: "error",
				Label:  "Narrator (Gemini)",
				Detail: "GEMINI_API_KEY is not set",
				Fix:    "Set GEMINI_API_KEY or switch STORY_GENERATOR_MODE.",
			})
		} else {
			checks = append(checks, onboardingCheck{
				ID:     "narrator_gemini_key",
				Status: "ok",
				Label:  "Narrator (Gemini)",
				Detail: fmt.Sprintf("key present, model %s", s.cfg.GeminiModel),
			})
		}
	case "hf":
		resolved = "hf"
		checks = append(checks, s.hfCheck())
	case "cli":
		resolved = "cli"
		checks = append(checks, s.cliCheck(cliPath, "error"))
	case "mock":
		resolved = "mock"
		checks = append(checks, mockNarratorCheck())
	case "auto":
		if geminiKey != "" {
			resolved = "gemini"
			checks = append(checks, onboardingCheck{
				ID:     "narrator_gemini_key",
				Status: "ok",
				Label:  "Narrator (Gemini)",
				Detail: fmt.Sprintf("key present, model %s", s.cfg.GeminiModel),
			})
			return resolved, checks
		}
		if hfToken != "" || hfURL != "" {
			resolved = "hf"
			checks = append(checks, s.hfCheck())
			return resolved, checks
		}
		if cliPath != "" {
			if _, err := exec.LookPath(cliPath); err == nil {
				resolved = "cli"
				checks = append(checks, s.cliCheck(cliPath, "error"))
				return resolved, checks
			}
		}
		resolved = "mock"
		checks = append(checks, onboardingCheck{
			ID:     "narrator_mock",
			Status: "warn",
			Label:  "Narrator (mock)",
			Detail: "No narrator backend configured; scenes are placeholders.",
			Fix:    "Set GEMINI_API_KEY or HF_API_TOKEN, or point STORY_NARRATOR_CLI_PATH at a narrator binary.",
		})
	default:
		resolved = "mock"
		checks = append(checks, onboardingCheck{
			ID:     "narrator_mode",
			Status: "warn",
			Label:  "Narrator",
			Detail: "unknown STORY_GENERATOR_MODE; expected auto|gemini|hf|cli|mock",
		})
	}

	return resolved, checks
}

func (s *Server) hfCheck() onboardingCheck {
	token := strings.TrimSpace(s.cfg.HFToken)
	endpoint := strings.TrimSpace(s.cfg.HFEndpointURL)
	switch {
	case endpoint != "":
		return onboardingCheck{
			ID:     "narrator_hf",
			Status: "ok",
			Label:  "Narrator (Hugging Face)",
			Detail: "custom endpoint configured",
		}
	case token != "":
		return onboardingCheck{
			ID:     "narrator_hf",
			Status: "ok",
			Label:  "Narrator (Hugging Face)",
			Detail: fmt.Sprintf("token present, model %s", s.cfg.HFModel),
		}
	default:
		return onboardingCheck{
			ID:     "narrator_hf",
			Status: "error",
			Label:  "Narrator (Hugging Face)",
			Detail: "HF_API_TOKEN and STORY_HF_ENDPOINT_URL are both empty",
			Fix:    "Set HF_API_TOKEN or STORY_HF_ENDPOINT_URL.",
		}
	}
}

func (s *Server) cliCheck(cliPath, missingStatus string) onboardingCheck {
	if cliPath == "" {
		return onboardingCheck{
			ID:     "narrator_cli",
			Status: missingStatus,
			Label:  "Narrator (CLI)",
			Detail: "STORY_NARRATOR_CLI_PATH is empty",
			Fix:    "Point STORY_NARRATOR_CLI_PATH at a narrator binary.",
		}
	}
	if _, err := exec.LookPath(cliPath); err != nil {
		return onboardingCheck{
			ID:     "narrator_cli",
			Status: missingStatus,
			Label:  "Narrator (CLI)",
			Detail: fmt.Sprintf("%s not found", cliPath),
			Fix:    "Install the narrator binary or fix STORY_NARRATOR_CLI_PATH.",
		}
	}
	return onboardingCheck{
		ID:     "narrator_cli",
		Status: "ok",
		Label:  "Narrator (CLI)",
		Detail: fmt.Sprintf("%s found", cliPath),
	}
}

func mockNarratorCheck() onboardingCheck {
	return onboardingCheck{
		ID:     "narrator_mock",
		Status: "warn",
		Label:  "Narrator is mock",
		Detail: "Scenes are placeholders.",
		Fix:    "Set GEMINI_API_KEY or HF_API_TOKEN and STORY_GENERATOR_MODE=auto.",
	}
}

func (s *Server) storeChecks() []onboardingCheck {
	switch s.cfg.StoreMode() {
	case "postgres":
		return []onboardingCheck{{
			ID:     "session_store",
			Status: "ok",
			Label:  "Session persistence",
			Detail: "postgres",
		}}
	case "sqlite":
		return []onboardingCheck{{
			ID:     "session_store",
			Status: "ok",
			Label:  "Session persistence",
			Detail: fmt.Sprintf("sqlite (%s)", s.cfg.DatabaseURL),
		}}
	default:
		return []onboardingCheck{{
			ID:     "session_store",
			Status: "warn",
			Label:  "Session persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep finished stories across restarts.",
		}}
	}
}
