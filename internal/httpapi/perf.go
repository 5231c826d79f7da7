package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

// handlePerfLatencyReset clears the rolling turn-stage window so a load run
// starts from a clean slate.
func (s *Server) handlePerfLatencyReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics != nil {
		s.metrics.ResetTurnStages()
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}
