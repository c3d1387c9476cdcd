package server

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/model"
	"github.com/go-chi/chi/v5"
)

var errNoScheduler = fmt.Errorf("%w: consolidation scheduler not configured", model.ErrCollaboratorUnavailable)

func (s *Server) handleConsolidationStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, r, errNoScheduler)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleConsolidationRun runs a full cycle and waits for it. A cycle
// already in progress is joined rather than started twice.
func (s *Server) handleConsolidationRun(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, r, errNoScheduler)
		return
	}
	rep, err := s.scheduler.RunNow(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRunPhase(w http.ResponseWriter, r *http.Request) {
	p := engine.Phase(chi.URLParam(r, "phase"))
	if !slices.Contains(engine.Phases, p) {
		s.writeError(w, r, fmt.Errorf("%w: unknown phase %q", model.ErrInvalid, p))
		return
	}
	rep := s.engine.RunPhase(r.Context(), p)
	status := http.StatusOK
	if rep.Err != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleReflectionCandidates(w http.ResponseWriter, r *http.Request) {
	candidates := s.engine.ReflectionCandidates(s.engine.Now())
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates, "count": len(candidates)})
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.engine.Reflect(r.Context(), req.Topic)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleDuplicates reports near-duplicate groups without merging them.
func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, examined, err := s.engine.DuplicateGroups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "examined": examined})
}
