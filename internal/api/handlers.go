package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (s *Server) handleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	status := s.worker.Status()

	code := http.StatusOK
	if !status.Running || !status.FeedConnected {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.RecentRules(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": s.worker.Positions()})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.RecentTrades(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentEvents(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// queryLimit parses ?limit=N; the store caps it at its own maximum.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Error("handler error", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
