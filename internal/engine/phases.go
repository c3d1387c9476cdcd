package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/compemperor/engram/internal/decay"
	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
)

// Phase names one consolidation step.
type Phase string

const (
	PhaseFade     Phase = "fade"
	PhaseReflect  Phase = "reflect"
	PhaseReassess Phase = "reassess"
	PhaseCompress Phase = "compress"
	PhaseReplay   Phase = "replay"
)

// Phases lists the consolidation steps in execution order.
var Phases = []Phase{PhaseFade, PhaseReflect, PhaseReassess, PhaseCompress, PhaseReplay}

// maxReportErrors bounds the per-record errors kept in a PhaseReport.
const maxReportErrors = 20

// PhaseReport summarizes one phase run.
type PhaseReport struct {
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Examined  int           `json:"examined"`
	Changed   int           `json:"changed"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Err       string        `json:"error,omitempty"`

	Dormant     []string     `json:"dormant,omitempty"`
	Reflections []string     `json:"reflections,omitempty"`
	Assessments []Assessment `json:"assessments,omitempty"`
	Merges      []MergeGroup `json:"merges,omitempty"`
	Replayed    []ReplayItem `json:"replayed,omitempty"`
}

func (r *PhaseReport) recordError(id string, err error) {
	r.Failed++
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
	}
}

// RunPhase runs one phase over a point-in-time snapshot of the store.
// Per-record errors are logged and counted; an error that stops the whole
// phase is returned in the report and never affects other phases.
func (e *Engine) RunPhase(ctx context.Context, p Phase) PhaseReport {
	rep := PhaseReport{Phase: p, StartedAt: e.now()}
	start := time.Now()
	logger := e.logger.With("phase", p)

	var err error
	switch p {
	case PhaseFade:
		err = e.fade(ctx, &rep)
	case PhaseReflect:
		err = e.reflect(ctx, &rep)
	case PhaseReassess:
		err = e.reassess(ctx, &rep)
	case PhaseCompress:
		err = e.compress(ctx, &rep)
	case PhaseReplay:
		err = e.replay(ctx, &rep)
	default:
		err = fmt.Errorf("%w: unknown phase %q", model.ErrInvalid, p)
	}
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Err = err.Error()
		logger.Error("phase failed", "error", err, "examined", rep.Examined, "changed", rep.Changed)
	} else {
		logger.Info("phase complete", "examined", rep.Examined, "changed", rep.Changed,
			"failed", rep.Failed, "duration", rep.Duration)
	}
	e.metrics.RecordPhase(string(p), rep.Duration, rep.Changed, err)
	return rep
}

// fade recomputes strength for every active and dormant record and moves
// records that fell below the threshold to dormant. Only state changes are
// journaled.
func (e *Engine) fade(ctx context.Context, rep *PhaseReport) error {
	now := e.now()
	for r := range e.store.Query(store.Filter{States: []model.State{model.StateActive, model.StateDormant}}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Examined++
		cur, err := e.store.Recompute(r.ID, now)
		if err != nil {
			rep.recordError(r.ID, err)
			continue
		}
		if cur.State != model.StateActive || cur.Strength >= e.strength.DormantThreshold {
			continue
		}
		_, err = e.store.Update(ctx, r.ID, func(x *model.Record) error {
			e.strength.Refresh(x, now)
			return nil
		})
		if err != nil {
			e.logger.Warn("fade: refresh failed", "id", r.ID, "error", err)
			rep.recordError(r.ID, err)
			continue
		}
		rep.Changed++
		rep.Dormant = append(rep.Dormant, r.ID)
	}
	return nil
}

// reassess scores active records from usage, busiest first. High-confidence
// recommendations are applied when auto-apply is on; the rest are reported.
func (e *Engine) reassess(ctx context.Context, rep *PhaseReport) error {
	cfg := e.cfg.Scheduler.Reassess
	now := e.now()

	candidates := e.store.List(store.Filter{States: []model.State{model.StateActive}})
	slices.SortStableFunc(candidates, func(a, b *model.Record) int {
		return cmp.Compare(b.AccessCount+b.RecallAttempts, a.AccessCount+a.RecallAttempts)
	})
	if cfg.Limit > 0 && len(candidates) > cfg.Limit {
		candidates = candidates[:cfg.Limit]
	}

	for _, r := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Examined++
		a := AssessQuality(FeaturesOf(r, e.store.EdgeCount(r.ID), now), cfg.MinDelta)
		a.RecordID = r.ID
		if a.Action != ActionKeep && cfg.AutoApply && a.Confidence >= cfg.MinConfidence {
			if err := e.applyAssessment(ctx, a, now); err != nil {
				e.logger.Warn("reassess: apply failed", "id", r.ID, "action", a.Action, "error", err)
				rep.recordError(r.ID, err)
			} else {
				a.Applied = true
				rep.Changed++
			}
		}
		if a.Action != ActionKeep {
			rep.Assessments = append(rep.Assessments, a)
		}
	}
	return nil
}

func (e *Engine) applyAssessment(ctx context.Context, a Assessment, now time.Time) error {
	if a.Action == ActionArchive {
		return e.Archive(ctx, a.RecordID)
	}
	_, err := e.store.Update(ctx, a.RecordID, func(r *model.Record) error {
		if r.State != model.StateActive {
			return fmt.Errorf("record is %s", r.State)
		}
		r.Quality = a.Suggested
		e.strength.Refresh(r, now)
		return nil
	})
	return err
}

// ReplayItem is one record reinforced by replay.
type ReplayItem struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// ReplayScore ranks at-risk records: higher quality, weaker, older and
// less accessed records are replayed first.
func ReplayScore(r *model.Record, now time.Time) float64 {
	age := decay.AgeDays(r.CreatedAt, now)
	return float64(r.Quality)*0.03 +
		(1-r.Strength)*min(age/30, 1)*0.4 +
		1/(1+float64(r.AccessCount)*0.1)*0.3
}

// replay reinforces active records just above the dormant threshold.
// Review schedules are left alone.
func (e *Engine) replay(ctx context.Context, rep *PhaseReport) error {
	cfg := e.cfg.Scheduler.Replay
	now := e.now()

	type scored struct {
		rec   *model.Record
		score float64
	}
	var atRisk []scored
	for r := range e.store.Query(store.Filter{States: []model.State{model.StateActive}}) {
		rep.Examined++
		if r.Origin == model.OriginReflection {
			continue
		}
		e.strength.Recompute(r, now)
		if e.strength.AtRisk(r, cfg.Margin) {
			atRisk = append(atRisk, scored{rec: r, score: ReplayScore(r, now)})
		}
	}
	slices.SortStableFunc(atRisk, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
	if cfg.Limit > 0 && len(atRisk) > cfg.Limit {
		atRisk = atRisk[:cfg.Limit]
	}

	for _, s := range atRisk {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := e.reinforce(ctx, s.rec.ID)
		if err != nil {
			rep.recordError(s.rec.ID, err)
			continue
		}
		rep.Changed++
		rep.Replayed = append(rep.Replayed, ReplayItem{ID: r.ID, Score: s.score, Before: s.rec.Strength, After: r.Strength})
	}
	return nil
}
