package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/fableloom/internal/config"
	"github.com/antoniostano/fableloom/internal/engine"
	"github.com/antoniostano/fableloom/internal/game"
	"github.com/antoniostano/fableloom/internal/observability"
	"github.com/antoniostano/fableloom/internal/protocol"
	"github.com/antoniostano/fableloom/internal/storygen"
)

type Server struct {
	cfg      config.Config
	sessions *game.Manager
	engine   *engine.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *game.Manager, eng *engine.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   eng,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same
				// origin, so other websites cannot drive a player's session if the
				// service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/story/sessions", s.handleCreateSession)
	r.Get("/v1/story/sessions/ws", s.handleSessionWS)
	r.Get("/v1/story/sessions/{id}", s.handleGetSession)
	r.Post("/v1/story/sessions/{id}/join", s.handleJoinSession)
	r.Post("/v1/story/sessions/{id}/leave", s.handleLeaveSession)
	r.Post("/v1/story/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/story/sessions/{id}/actions", s.handleSubmitAction)
	r.Get("/v1/story/sessions/{id}/turns", s.handleListTurns)
	r.Get("/v1/story/sessions/{id}/events", s.handleListSessionEvents)
	r.Post("/v1/story/narrator/preview", s.handleNarratorPreview)
	r.Get("/v1/story/settings", s.handleSettings)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"store_mode":     s.cfg.StoreMode(),
		"generator_mode": s.generatorMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_mode":      s.cfg.StoreMode(),
		"generator_mode":  s.generatorMode(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// handleSessionWS streams one session's events to a member and accepts their
// actions over the same connection.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	playerID := strings.TrimSpace(r.URL.Query().Get("player_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if playerID == "" {
		respondError(w, http.StatusBadRequest, "missing_player_id", "query parameter player_id is required")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if !sess.HasPlayer(playerID) {
		respondError(w, http.StatusForbidden, "not_a_member", "join the session before connecting")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.observeSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.sessions.Subscribe(sessionID)
	defer unsubscribe()

	outbound := make(chan any, 256)
	outbound <- wsSessionSnapshot{Type: protocol.TypeSessionSnapshot, Session: sess}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Clients that only listen never write; their pong replies to these
		// pings are what refresh the read deadline.
		pingTicker := time.NewTicker(45 * time.Second)
		defer pingTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.observeWSWriteError()
					cancel()
					return
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.observeWSWriteError()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.observeWSMessage("outbound", t)
				}
			}
		}
	}()

	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					cancel()
					return
				}
				select {
				case outbound <- evt:
				default:
					// Keep websocket writes single-threaded; drop if the outbound
					// queue is saturated.
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueueWSError(outbound, sessionID, "invalid_client_message", "gateway", false, err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.observeWSMessage("inbound", t)
		}

		switch msg := parsed.(type) {
		case protocol.SubmitAction:
			if _, _, err := s.engine.SubmitAction(ctx, sessionID, playerID, msg.Action); err != nil {
				code, retryable := wsErrorCode(err)
				s.enqueueWSError(outbound, sessionID, code, "game", retryable, err.Error())
			}
		case protocol.LeaveSession:
			if _, err := s.engine.Leave(sessionID, playerID); err != nil {
				code, retryable := wsErrorCode(err)
				s.enqueueWSError(outbound, sessionID, code, "game", retryable, err.Error())
			}
		}

		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	cancel()
	<-forwarderDone
	<-writerDone
	s.observeSessionEvent("ws_disconnected")
}

// wsSessionSnapshot is the first frame on every websocket connection.
type wsSessionSnapshot struct {
	Type    protocol.MessageType `json:"type"`
	Session game.Session         `json:"session"`
}

func (s *Server) enqueueWSError(outbound chan<- any, sessionID, code, source string, retryable bool, detail string) {
	evt := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
	select {
	case outbound <- evt:
	default:
	}
}

func wsErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return "session_not_found", false
	case errors.Is(err, game.ErrNotMember):
		return "not_a_member", false
	case errors.Is(err, game.ErrSessionBusy):
		return "session_busy", true
	case errors.Is(err, game.ErrQueueFull):
		return "queue_full", true
	case errors.Is(err, engine.ErrActionRejected):
		return "action_rejected", false
	default:
		return "request_failed", false
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondGameError maps domain errors onto HTTP statuses.
func respondGameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, game.ErrNotMember):
		respondError(w, http.StatusForbidden, "not_a_member", err.Error())
	case errors.Is(err, game.ErrAlreadyJoined):
		respondError(w, http.StatusConflict, "already_joined", err.Error())
	case errors.Is(err, game.ErrSessionBusy):
		respondError(w, http.StatusConflict, "session_busy", err.Error())
	case errors.Is(err, game.ErrQueueFull):
		respondError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	case errors.Is(err, engine.ErrActionRejected):
		respondError(w, http.StatusUnprocessableEntity, "action_rejected", err.Error())
	case errors.Is(err, storygen.ErrGenerationFailed):
		respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "request_failed", err.Error())
	}
}

func (s *Server) generatorMode() string {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.GeneratorMode))
	if mode == "" {
		return "auto"
	}
	return mode
}

func (s *Server) observeSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.ObserveSessionEvent(event)
	}
}

func (s *Server) observeWSMessage(direction, messageType string) {
	if s.metrics != nil {
		s.metrics.ObserveWSMessage(direction, messageType)
	}
}

func (s *Server) observeWSWriteError() {
	if s.metrics != nil {
		s.metrics.ObserveWSWriteError()
	}
}

func messageTypeOf(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.SubmitAction:
		return string(m.Type), true
	case protocol.LeaveSession:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case wsSessionSnapshot:
		return string(m.Type), true
	case game.Event:
		return string(m.Type), true
	default:
		return "", false
	}
}
