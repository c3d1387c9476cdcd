package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
)

// recentTopicsWindow bounds the topic list in DriftMetrics.
const recentTopicsWindow = 20

// DriftMetrics summarises what the quality gate has seen.
type DriftMetrics struct {
	RecentTopics         []string   `json:"recent_topics"`
	Total                int        `json:"total"`
	Admitted             int        `json:"admitted"`
	AdmissionRate        float64    `json:"admission_rate"`
	AverageQuality       float64    `json:"average_quality"`
	AverageUnderstanding float64    `json:"average_understanding"`
	AverageDrift         float64    `json:"average_drift"`
	GoalAligned          bool       `json:"goal_aligned"`
	LastUpdated          *time.Time `json:"last_updated,omitempty"`
}

// DriftMetrics aggregates the recorded gate verdicts. GoalAligned is true
// when active records exist under the goal topic.
func (e *Engine) DriftMetrics(ctx context.Context) (*DriftMetrics, error) {
	db := e.store.DB()
	totals, err := db.EvaluationTotals()
	if err != nil {
		return nil, err
	}
	recent, err := db.RecentEvaluations(recentTopicsWindow)
	if err != nil {
		return nil, err
	}

	m := &DriftMetrics{
		RecentTopics:         make([]string, 0, len(recent)),
		Total:                totals.Count,
		Admitted:             totals.Admitted,
		AverageQuality:       round2(totals.AverageQuality),
		AverageUnderstanding: round2(totals.AverageUnderstanding),
		AverageDrift:         round2(totals.AverageDrift),
		LastUpdated:          totals.LastAt,
	}
	if totals.Count > 0 {
		m.AdmissionRate = round2(float64(totals.Admitted) / float64(totals.Count))
	}
	for _, ev := range recent {
		m.RecentTopics = append(m.RecentTopics, ev.Topic)
	}
	if goal := e.cfg.Gate.GoalTopic; goal != "" {
		for range e.store.Query(store.Filter{States: []model.State{model.StateActive}, Topic: goal}) {
			m.GoalAligned = true
			break
		}
	}
	return m, nil
}

// Trend labels the direction of recent candidate quality.
type Trend string

const (
	TrendNoData       Trend = "no_data"
	TrendInsufficient Trend = "insufficient_data"
	TrendImproving    Trend = "improving"
	TrendStable       Trend = "stable"
	TrendDeclining    Trend = "declining"
)

// QualityTrend is the outcome of QualityTrends.
type QualityTrend struct {
	Trend        Trend   `json:"trend"`
	Window       int     `json:"window"`
	RecentAvg    float64 `json:"recent_avg"`
	OlderAvg     float64 `json:"older_avg"`
	RecentScores []int   `json:"recent_scores"`
}

// QualityTrends classifies the last n verdicts; n <= 0 uses the configured
// trend window.
func (e *Engine) QualityTrends(ctx context.Context, n int) (*QualityTrend, error) {
	if n <= 0 {
		n = e.cfg.Gate.TrendWindow
	}
	recent, err := e.store.DB().RecentEvaluations(n)
	if err != nil {
		return nil, err
	}
	scores := make([]int, len(recent))
	for i, ev := range recent {
		scores[i] = ev.Quality
	}
	t := TrendOf(scores)
	t.Window = n
	return &t, nil
}

// TrendOf compares the mean of the last three scores against the mean of
// the rest. A difference of more than one point is a trend.
func TrendOf(scores []int) QualityTrend {
	const recentSpan, shown = 3, 5

	t := QualityTrend{RecentScores: []int{}}
	switch len(scores) {
	case 0:
		t.Trend = TrendNoData
		return t
	case 1:
		t.Trend = TrendInsufficient
		t.RecentAvg = float64(scores[0])
		t.OlderAvg = t.RecentAvg
		t.RecentScores = slices.Clone(scores)
		return t
	}

	split := max(len(scores)-recentSpan, 0)
	t.RecentAvg = mean(scores[split:])
	t.OlderAvg = t.RecentAvg
	if split > 0 {
		t.OlderAvg = mean(scores[:split])
	}
	switch {
	case t.RecentAvg > t.OlderAvg+1:
		t.Trend = TrendImproving
	case t.RecentAvg < t.OlderAvg-1:
		t.Trend = TrendDeclining
	default:
		t.Trend = TrendStable
	}
	t.RecentAvg, t.OlderAvg = round2(t.RecentAvg), round2(t.OlderAvg)
	t.RecentScores = slices.Clone(scores[max(len(scores)-shown, 0):])
	return t
}

// RecallStats counts recall outcomes.
type RecallStats struct {
	ID          string  `json:"id,omitempty"`
	Records     int     `json:"records"`
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// RecallStats reports recall outcomes for one record, or summed over every
// record when id is empty.
func (e *Engine) RecallStats(ctx context.Context, id string) (*RecallStats, error) {
	var records []*model.Record
	if id != "" {
		r, err := e.store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("recall stats %s: %w", id, err)
		}
		records = []*model.Record{r}
	} else {
		records = e.store.List(store.Filter{})
	}

	s := &RecallStats{ID: id, Records: len(records)}
	for _, r := range records {
		s.Attempts += r.RecallAttempts
		s.Successes += r.RecallSuccesses
	}
	if s.Attempts > 0 {
		s.SuccessRate = round2(float64(s.Successes) / float64(s.Attempts))
	}
	return s, nil
}

// recordEvaluation journals a gate verdict for the mirror metrics.
func (e *Engine) recordEvaluation(c model.Candidate, v Verdict) {
	ev := &store.Evaluation{
		Topic:         model.NormalizeTopic(c.Topic),
		Quality:       c.Quality,
		Understanding: c.Understanding,
		Admitted:      v.Admit,
		Reason:        string(v.Reason),
		At:            e.now(),
	}
	if v.DriftChecked {
		d := v.Drift
		ev.Drift = &d
		e.metrics.RecordDrift(d)
	}
	if err := e.store.DB().AppendEvaluation(ev); err != nil {
		e.logger.Warn("evaluation not recorded", "topic", ev.Topic, "err", err)
	}
}

func mean(xs []int) float64 {
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
