package server

import (
	"net/http"
)

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.DriftMetrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleTrends classifies the last n gate verdicts; n defaults to the
// configured trend window.
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trend, err := s.engine.QualityTrends(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

func (s *Server) handleRecallStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.RecallStats(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
