// Package decay implements the strength model: a weighted blend of quality,
// recall history and recency, clamped to [min_strength, 1].
//
// Strength is never authored. It is recomputed from a record's inputs on
// load, on read and during the fade phase, and drives the active/dormant
// transition: a record goes dormant once its strength drops below the dormant
// threshold, and only reinforcement (recall, review or replay) can bring it back.
package decay

import (
	"fmt"
	"math"
	"time"

	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/model"
)

// recallPrior stands in for the recall component before any attempt.
const recallPrior = 0.5

// Model holds the tunables of the strength formula.
type Model struct {
	QualityWeight    float64
	RecallWeight     float64
	RecencyWeight    float64
	HalfLifeDays     float64
	MinStrength      float64
	DormantThreshold float64
}

// New builds a Model from config. The config is expected to be validated.
func New(cfg config.StrengthConfig) *Model {
	return &Model{
		QualityWeight:    cfg.QualityWeight,
		RecallWeight:     cfg.RecallWeight,
		RecencyWeight:    cfg.RecencyWeight,
		HalfLifeDays:     cfg.HalfLifeDays,
		MinStrength:      cfg.MinStrength,
		DormantThreshold: cfg.DormantThreshold,
	}
}

// Default returns the model with default tunables.
func Default() *Model {
	return New(config.Default().Strength)
}

// QualityComponent maps quality 1..10 to [0.1, 1].
func (m *Model) QualityComponent(r *model.Record) float64 {
	return clamp(float64(r.Quality)/10, 0, 1)
}

// RecallComponent is the recall success rate, or the neutral prior.
func (m *Model) RecallComponent(r *model.Record) float64 {
	rate, ok := r.RecallRate()
	if !ok {
		return recallPrior
	}
	return clamp(rate, 0, 1)
}

// RecencyComponent halves every HalfLifeDays since the record was last touched.
func (m *Model) RecencyComponent(r *model.Record, now time.Time) float64 {
	age := AgeDays(r.LastTouched(), now)
	return math.Exp(-math.Ln2 * age / m.HalfLifeDays)
}

// Strength computes the current strength of r at now.
func (m *Model) Strength(r *model.Record, now time.Time) float64 {
	s := m.QualityWeight*m.QualityComponent(r) +
		m.RecallWeight*m.RecallComponent(r) +
		m.RecencyWeight*m.RecencyComponent(r, now)
	return clamp(s, m.MinStrength, 1)
}

// Recompute refreshes r.Strength without touching lifecycle state.
func (m *Model) Recompute(r *model.Record, now time.Time) {
	r.Strength = m.Strength(r, now)
}

// Refresh recomputes strength and moves an active record to dormant when it
// has fallen below the threshold. It reports whether the state changed.
// Dormant records are never promoted here: time alone cannot revive them.
func (m *Model) Refresh(r *model.Record, now time.Time) bool {
	m.Recompute(r, now)
	if r.State == model.StateActive && r.Strength < m.DormantThreshold {
		r.State = model.StateDormant
		return true
	}
	return false
}

// Reinforce records a semantic access at now: the access counter and
// timestamp move, strength is recomputed, and a dormant record is restored
// to active if its new strength exceeds the threshold. It reports whether
// the state changed.
func (m *Model) Reinforce(r *model.Record, now time.Time) bool {
	r.LastAccessedAt = now
	r.AccessCount++
	m.Recompute(r, now)
	switch {
	case r.State == model.StateDormant && r.Strength > m.DormantThreshold:
		r.State = model.StateActive
		return true
	case r.State == model.StateActive && r.Strength < m.DormantThreshold:
		r.State = model.StateDormant
		return true
	}
	return false
}

// AtRisk reports whether r is active and within margin above the dormant threshold.
func (m *Model) AtRisk(r *model.Record, margin float64) bool {
	return r.State == model.StateActive &&
		r.Strength >= m.DormantThreshold &&
		r.Strength < m.DormantThreshold+margin
}

// Check validates the derived invariants of r against the model.
func (m *Model) Check(r *model.Record) error {
	if r.Strength < m.MinStrength-1e-9 || r.Strength > 1+1e-9 {
		return fmt.Errorf("%w: record %s strength %.4f outside [%.2f,1]",
			model.ErrInvariantViolation, r.ID, r.Strength, m.MinStrength)
	}
	if r.State == model.StateDormant && r.Strength >= m.DormantThreshold {
		return fmt.Errorf("%w: record %s dormant with strength %.4f >= %.2f",
			model.ErrInvariantViolation, r.ID, r.Strength, m.DormantThreshold)
	}
	if r.Quality < 1 || r.Quality > 10 {
		return fmt.Errorf("%w: record %s quality %d outside [1,10]",
			model.ErrInvariantViolation, r.ID, r.Quality)
	}
	return nil
}

// AgeDays returns the non-negative number of days between from and now.
func AgeDays(from, now time.Time) float64 {
	d := now.Sub(from).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
