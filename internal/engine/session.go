package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/compemperor/engram/internal/model"
	"github.com/oklog/ulid/v2"
)

// SessionStart opens a learning session on topic with a planned duration.
// A zero duration selects the configured default.
func (e *Engine) SessionStart(ctx context.Context, topic, goal string, planned time.Duration) (*model.LearningSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic = model.NormalizeTopic(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: session topic is required", model.ErrInvalid)
	}
	if planned == 0 {
		planned = e.cfg.Session.DefaultDuration
	}
	if planned < time.Minute || (e.cfg.Session.MaxDuration > 0 && planned > e.cfg.Session.MaxDuration) {
		return nil, fmt.Errorf("%w: planned duration %s outside [1m, %s]", model.ErrInvalid, planned, e.cfg.Session.MaxDuration)
	}
	s := &model.LearningSession{
		ID:          ulid.Make().String(),
		Topic:       topic,
		Goal:        strings.TrimSpace(goal),
		Status:      model.SessionActive,
		StartedAt:   e.now().UTC(),
		Planned:     planned,
		Notes:       []model.Note{},
		Checkpoints: []model.Checkpoint{},
	}
	if err := e.store.DB().CreateSession(s); err != nil {
		return nil, err
	}
	e.logger.Info("session started", "session", s.ID, "topic", topic, "planned", planned)
	return s, nil
}

// SessionTimeCheck reports the progress of a session against its plan.
func (e *Engine) SessionTimeCheck(ctx context.Context, id string) (model.TimeCheck, error) {
	s, err := e.GetSession(ctx, id)
	if err != nil {
		return model.TimeCheck{}, err
	}
	return s.TimeCheck(e.now().UTC()), nil
}

// GetSession returns a learning session by id.
func (e *Engine) GetSession(ctx context.Context, id string) (*model.LearningSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.store.DB().GetSession(id)
}

// ListSessions returns sessions with status, or all sessions when empty.
func (e *Engine) ListSessions(ctx context.Context, status model.SessionStatus, limit int) ([]*model.LearningSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.store.DB().ListSessions(status, limit)
}

// SessionNote buffers a note in an active session and returns the gate's
// preview verdict. The preview is exploratory: it checks quality only.
func (e *Engine) SessionNote(ctx context.Context, id string, note model.Note) (Verdict, error) {
	if strings.TrimSpace(note.Content) == "" {
		return Verdict{}, fmt.Errorf("%w: note content is required", model.ErrInvalid)
	}
	if note.Quality < 1 || note.Quality > 10 {
		return Verdict{}, fmt.Errorf("%w: note quality %d outside 1..10", model.ErrInvalid, note.Quality)
	}
	preview, err := e.Evaluate(ctx, model.Candidate{Quality: note.Quality, Exploratory: true}, nil)
	if err != nil {
		return Verdict{}, err
	}

	note.At = e.now().UTC()
	err = e.editSession(ctx, id, func(s *model.LearningSession) {
		s.Notes = append(s.Notes, note)
	})
	if err != nil {
		return Verdict{}, err
	}
	return preview, nil
}

// SessionVerify records a self-verification checkpoint.
func (e *Engine) SessionVerify(ctx context.Context, id string, cp model.Checkpoint) (*model.LearningSession, error) {
	if cp.Understanding < 1 || cp.Understanding > 5 {
		return nil, fmt.Errorf("%w: understanding %.1f outside 1..5", model.ErrInvalid, cp.Understanding)
	}
	cp.At = e.now().UTC()
	var out *model.LearningSession
	err := e.editSession(ctx, id, func(s *model.LearningSession) {
		if cp.Topic == "" {
			cp.Topic = s.Topic
		}
		s.Checkpoints = append(s.Checkpoints, cp)
		out = s
	})
	return out, err
}

// editSession applies fn to the buffer of an active session.
func (e *Engine) editSession(ctx context.Context, id string, fn func(*model.LearningSession)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	s, err := e.store.DB().GetSession(id)
	if err != nil {
		return err
	}
	if s.Status != model.SessionActive {
		return fmt.Errorf("session %s is %s: %w", id, s.Status, model.ErrSessionClosed)
	}
	fn(s)
	return e.store.DB().SaveSessionBuffer(s)
}

// NoteStatus is the consolidation outcome of one note.
type NoteStatus string

const (
	NoteAdmitted NoteStatus = "admitted"
	NoteRejected NoteStatus = "rejected"
	NotePending  NoteStatus = "pending"
)

// NoteOutcome reports what consolidation did with one note.
type NoteOutcome struct {
	Index    int                `json:"index"`
	Quality  int                `json:"quality"`
	Status   NoteStatus         `json:"status"`
	RecordID string             `json:"record_id,omitempty"`
	Reason   model.RejectReason `json:"reason,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// ConsolidationResult is the outcome of SessionConsolidate.
type ConsolidationResult struct {
	Session  *model.LearningSession `json:"session"`
	Outcomes []NoteOutcome          `json:"outcomes"`
}

// SessionConsolidate runs every buffered note through the quality gate.
// Admitted notes become records under the session topic carrying the mean
// checkpoint understanding. Notes that could not be evaluated stay buffered
// and the session returns to active; otherwise the session closes and only
// its summary is kept.
//
// Progress is saved after every decided note. If consolidation fails part
// way the session returns to active holding only the undecided notes.
func (e *Engine) SessionConsolidate(ctx context.Context, id string) (*ConsolidationResult, error) {
	db := e.store.DB()
	if err := db.TransitionSession(id, model.SessionActive, model.SessionConsolidating); err != nil {
		return nil, err
	}
	logger := e.logger.With("session", id)
	abort := func(err error) (*ConsolidationResult, error) {
		if rerr := db.TransitionSession(id, model.SessionConsolidating, model.SessionActive); rerr != nil {
			logger.Error("session left consolidating", "error", rerr)
		}
		return nil, err
	}

	s, err := db.GetSession(id)
	if err != nil {
		return abort(err)
	}

	var understanding *float64
	if avg, ok := s.AverageUnderstanding(); ok {
		understanding = &avg
	}

	summary := model.SessionSummary{}
	if s.Summary != nil {
		summary = *s.Summary
	}
	var (
		notes    = s.Notes
		outcomes []NoteOutcome
		pending  []model.Note
	)
	for i, note := range notes {
		out := NoteOutcome{Index: i, Quality: note.Quality}
		if ctx.Err() != nil {
			out.Status, out.Error = NotePending, ctx.Err().Error()
			outcomes = append(outcomes, out)
			pending = append(pending, note)
			continue
		}

		res, err := e.admit(ctx, model.Candidate{
			Topic:         s.Topic,
			Content:       note.Content,
			Kind:          model.KindSemantic,
			Quality:       note.Quality,
			Understanding: understanding,
			SourceURL:     note.SourceURL,
		}, model.OriginSession)

		var rej *model.RejectionError
		switch {
		case err == nil:
			out.Status, out.RecordID = NoteAdmitted, res.Record.ID
			summary.Admitted++
		case errors.As(err, &rej):
			out.Status, out.Reason = NoteRejected, rej.Reason
			summary.Rejected++
		case errors.Is(err, model.ErrInvalid):
			out.Status, out.Error = NoteRejected, err.Error()
			summary.Rejected++
		default:
			out.Status, out.Error = NotePending, err.Error()
			pending = append(pending, note)
			logger.Warn("note kept for retry", "index", i, "error", err)
		}
		outcomes = append(outcomes, out)
		if out.Status == NotePending {
			continue
		}

		summary.Notes++
		s.Notes = append(slices.Clone(pending), notes[i+1:]...)
		s.Summary = &summary
		if err := db.SaveConsolidationProgress(s); err != nil {
			return abort(err)
		}
	}

	summary.Checkpoints = len(s.Checkpoints)
	summary.VerifiedSources = 0
	for _, cp := range s.Checkpoints {
		if cp.SourcesVerified {
			summary.VerifiedSources++
		}
	}
	if understanding != nil {
		summary.AverageUnderstanding = *understanding
	}
	now := e.now().UTC()
	summary.DurationSeconds = now.Sub(s.StartedAt).Seconds()
	summary.PlannedSeconds = s.Planned.Seconds()
	s.Summary = &summary

	s.Notes = pending
	if len(pending) == 0 {
		s.Checkpoints = nil
	}
	if err := db.CloseSession(s, now); err != nil {
		return abort(err)
	}
	logger.Info("session consolidated", "admitted", summary.Admitted, "rejected", summary.Rejected,
		"pending", len(pending), "status", s.Status)
	return &ConsolidationResult{Session: s, Outcomes: outcomes}, nil
}
