package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/compemperor/engram/internal/model"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic       string  `json:"topic"`
		Goal        string  `json:"goal"`
		DurationMin float64 `json:"duration_min,omitempty"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DurationMin < 0 {
		s.writeError(w, r, fmt.Errorf("%w: duration_min must not be negative", model.ErrInvalid))
		return
	}
	planned := time.Duration(req.DurationMin * float64(time.Minute))
	sess, err := s.engine.SessionStart(r.Context(), req.Topic, req.Goal, planned)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := model.SessionStatus(r.URL.Query().Get("status"))
	sessions, err := s.engine.ListSessions(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSessionTime(w http.ResponseWriter, r *http.Request) {
	tc, err := s.engine.SessionTimeCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionNote buffers a note and returns the gate's preview verdict.
// A note below the bar is still buffered.
func (s *Server) handleSessionNote(w http.ResponseWriter, r *http.Request) {
	var note model.Note
	if err := s.decode(w, r, &note); err != nil {
		s.writeError(w, r, err)
		return
	}
	verdict, err := s.engine.SessionNote(r.Context(), chi.URLParam(r, "id"), note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"buffered": true, "preview": verdict})
}

func (s *Server) handleSessionVerify(w http.ResponseWriter, r *http.Request) {
	var cp model.Checkpoint
	if err := s.decode(w, r, &cp); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.SessionVerify(r.Context(), chi.URLParam(r, "id"), cp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionConsolidate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.SessionConsolidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
