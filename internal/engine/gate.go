package engine

import (
	"context"
	"math"

	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
)

// Verdict is the quality gate's decision on a candidate.
type Verdict struct {
	Admit        bool               `json:"admit"`
	Quality      int                `json:"quality"`
	Threshold    int                `json:"threshold"`
	Drift        float64            `json:"drift"`
	DriftChecked bool               `json:"drift_checked"`
	Ceiling      float64            `json:"drift_ceiling"`
	Reason       model.RejectReason `json:"reason,omitempty"`
}

// Err returns the rejection as an error, or nil when admitted.
func (v Verdict) Err() error {
	if v.Admit {
		return nil
	}
	return &model.RejectionError{
		Reason:    v.Reason,
		Quality:   v.Quality,
		Threshold: v.Threshold,
		Drift:     v.Drift,
		Ceiling:   v.Ceiling,
	}
}

// Admissible reports whether quality passes the admission threshold.
func Admissible(quality, threshold int) bool {
	return quality >= threshold
}

// Evaluate applies the admission rule and, unless the candidate is
// exploratory or vec is nil, the drift check against goal records.
func (e *Engine) Evaluate(ctx context.Context, c model.Candidate, vec []float64) (Verdict, error) {
	v := Verdict{
		Admit:     Admissible(c.Quality, e.cfg.Gate.AdmissionThreshold),
		Quality:   c.Quality,
		Threshold: e.cfg.Gate.AdmissionThreshold,
		Ceiling:   e.cfg.Gate.DriftCeiling,
	}
	if !v.Admit {
		v.Reason = model.ReasonQualityTooLow
	}
	if c.Exploratory || vec == nil {
		return v, nil
	}

	goal := e.goalVector(ctx, len(vec))
	if err := ctx.Err(); err != nil {
		return v, err
	}
	if goal == nil {
		return v, nil
	}
	v.DriftChecked = true
	v.Drift = clamp01(1 - CosineSimilarity(vec, goal))
	if v.Admit && v.Drift > e.cfg.Gate.DriftCeiling {
		v.Admit = false
		v.Reason = model.ReasonDriftTooHigh
	}
	return v, nil
}

// goalVector is the mean embedding of the active goal reference records,
// or nil when there are none.
func (e *Engine) goalVector(ctx context.Context, dims int) []float64 {
	if e.cfg.Gate.GoalTopic == "" {
		return nil
	}
	var vecs [][]float64
	for r := range e.store.Query(store.Filter{
		Topic:  e.cfg.Gate.GoalTopic,
		States: []model.State{model.StateActive},
	}) {
		if ctx.Err() != nil {
			return nil
		}
		if v := e.vector(r.ID); len(v) == dims {
			vecs = append(vecs, v)
		}
	}
	return meanVector(vecs)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
