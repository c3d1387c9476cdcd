package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/model"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleAdd admits a candidate. Rejections answer 422 with the verdict so
// callers can see how far below the bar they were.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var c model.Candidate
	if err := s.decode(w, r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Add(r.Context(), c)
	if err != nil {
		if res != nil {
			body := map[string]any{"error": err.Error(), "verdict": res.Verdict, "reason": res.Verdict.Reason}
			writeJSON(w, statusFor(err), body)
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Archive(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(model.StateArchived)})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := engine.RelatedOptions{
		Depth:           depth,
		Limit:           limit,
		IncludeDormant:  queryBool(r, "include_dormant"),
		IncludeArchived: queryBool(r, "include_archived"),
	}
	if rel := r.URL.Query().Get("relation"); rel != "" {
		if opts.Relation, err = model.ParseRelation(rel); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	related, err := s.engine.FindRelated(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related, "count": len(related)})
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To         string            `json:"to"`
		Relation   string            `json:"relation"`
		Confidence *float64          `json:"confidence"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rel, err := model.ParseRelation(req.Relation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conf := 1.0
	if req.Confidence != nil {
		conf = *req.Confidence
	}

	edge, added, err := s.engine.AddRelationship(r.Context(), chi.URLParam(r, "id"), req.To, rel, conf, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"edge": edge, "added": added})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := model.ParseOutcome(req.Outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.engine.SubmitReview(r.Context(), chi.URLParam(r, "id"), outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeError(w, r, fmt.Errorf("%w: q parameter required", model.ErrInvalid))
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minQuality, err := queryInt(r, "min_quality", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minSim, err := queryFloat(r, "min_similarity")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := engine.SearchOptions{
		Limit:           limit,
		Topic:           r.URL.Query().Get("topic"),
		Kind:            model.Kind(r.URL.Query().Get("kind")),
		MinQuality:      minQuality,
		MinSimilarity:   minSim,
		IncludeDormant:  queryBool(r, "include_dormant"),
		IncludeArchived: queryBool(r, "include_archived"),
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown kind %q", model.ErrInvalid, opts.Kind))
		return
	}

	if queryBool(r, "intent") {
		res, err := s.engine.SearchIntent(r.Context(), q, opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": res.Results,
			"count":   len(res.Results),
			"intent":  res.Classification,
			"options": res.Options,
		})
		return
	}

	results, err := s.engine.SearchText(r.Context(), q, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
		engine.RecallOptions
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.engine.Recall(r.Context(), req.Topic, req.RecallOptions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleDueReviews(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	due := s.engine.DueForReview(s.engine.Now(), limit)
	writeJSON(w, http.StatusOK, map[string]any{"due": due, "count": len(due)})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Challenge(r.Context(), r.URL.Query().Get("topic"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	indexed, err := s.engine.RebuildIndex(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": indexed})
}
