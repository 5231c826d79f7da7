package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/fableloom/internal/game"
)

type createSessionRequest struct {
	Theme string `json:"theme"`
}

type createSessionResponse struct {
	game.Session
	IdleTTLMS int64 `json:"idle_ttl_ms"`
}

type joinSessionRequest struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
}

type leaveSessionRequest struct {
	PlayerID string `json:"player_id"`
}

type submitActionRequest struct {
	PlayerID string `json:"player_id"`
	Action   string `json:"action"`
}

type submitActionResponse struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	State     string `json:"state"` // started|queued
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess := s.engine.CreateSession(req.Theme)
	respondJSON(w, http.StatusCreated, createSessionResponse{
		Session:   sess,
		IdleTTLMS: s.cfg.SessionIdleTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req joinSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "player_id is required")
		return
	}

	sess, err := s.engine.Join(id, req.PlayerID, req.Name)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req leaveSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "player_id is required")
		return
	}

	sess, err := s.engine.Leave(id, req.PlayerID)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.engine.EndSession(id)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleSubmitAction accepts a player's move. The default reply is 202 with
// the pending turn; ?wait=1 blocks until the turn resolves and returns it.
func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req submitActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "player_id is required")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}

	if isTruthy(r.URL.Query().Get("wait")) {
		turn, err := s.engine.SubmitAndWait(r.Context(), id, req.PlayerID, req.Action)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				respondError(w, http.StatusGatewayTimeout, "turn_wait_timeout", "the turn did not resolve in time")
				return
			}
			respondGameError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, turn)
		return
	}

	action, started, err := s.engine.SubmitAction(r.Context(), id, req.PlayerID, req.Action)
	if err != nil {
		respondGameError(w, err)
		return
	}
	state := "queued"
	if started {
		state = "started"
	}
	respondJSON(w, http.StatusAccepted, submitActionResponse{
		SessionID: action.SessionID,
		TurnID:    action.ID,
		State:     state,
	})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	turns, err := s.sessions.Turns(id)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

func (s *Server) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	events, err := s.sessions.Events(id, limit)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
