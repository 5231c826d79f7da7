package httpapi

import "net/http"

type settingsResponse struct {
	SubmitPolicy       string `json:"submit_policy"`
	QueueDepth         int    `json:"queue_depth"`
	MaxActionChars     int    `json:"max_action_chars"`
	HistoryWindow      int    `json:"history_window"`
	TurnTimeoutMS      int64  `json:"turn_timeout_ms"`
	SessionIdleTTLMS   int64  `json:"session_idle_ttl_ms"`
	GeneratorMode      string `json:"generator_mode"`
	PersistenceEnabled bool   `json:"persistence_enabled"`
}

// handleSettings tells clients the limits they should enforce before
// submitting, so rejections are the exception rather than the flow.
func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, settingsResponse{
		SubmitPolicy:       s.cfg.SubmitPolicy,
		QueueDepth:         s.cfg.QueueDepth,
		MaxActionChars:     s.cfg.MaxActionChars,
		HistoryWindow:      s.cfg.HistoryWindow,
		TurnTimeoutMS:      s.cfg.TurnTimeout.Milliseconds(),
		SessionIdleTTLMS:   s.cfg.SessionIdleTimeout.Milliseconds(),
		GeneratorMode:      s.generatorMode(),
		PersistenceEnabled: s.cfg.StoreMode() != "in-memory",
	})
}
