package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/antoniostano/fableloom/internal/engine"
	"github.com/antoniostano/fableloom/internal/storygen"
)

type narratorPreviewRequest struct {
	Theme  string `json:"theme"`
	Action string `json:"action"`
}

type narratorPreviewResponse struct {
	Mode      string   `json:"mode"`
	Narrative string   `json:"narrative"`
	Options   []string `json:"options,omitempty"`
}

// handleNarratorPreview generates one scene outside any session. It exists so
// operators can check narrator credentials and latency before players arrive.
func (s *Server) handleNarratorPreview(w http.ResponseWriter, r *http.Request) {
	var req narratorPreviewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		req.Action = "look around"
	}

	scene, err := s.engine.PreviewScene(r.Context(), req.Theme, req.Action)
	if err != nil {
		if errors.Is(err, engine.ErrActionRejected) {
			respondError(w, http.StatusUnprocessableEntity, "action_rejected", err.Error())
			return
		}
		if errors.Is(err, storygen.ErrGenerationFailed) {
			respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "preview_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, narratorPreviewResponse{
		Mode:      s.generatorMode(),
		Narrative: scene.Narrative,
		Options:   scene.Options,
	})
}
