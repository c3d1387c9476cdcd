package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrendOf(t *testing.T) {
	tests := []struct {
		name   string
		scores []int
		want   Trend
		recent float64
		older  float64
	}{
		{"empty", nil, TrendNoData, 0, 0},
		{"single", []int{8}, TrendInsufficient, 8, 8},
		{"three equal halves", []int{5, 9, 7}, TrendStable, 7, 7},
		{"improving", []int{5, 5, 5, 8, 9, 8}, TrendImproving, 8.33, 5},
		{"declining", []int{9, 9, 6, 6, 7}, TrendDeclining, 6.33, 9},
		{"within one point", []int{8, 8, 9, 9, 9}, TrendStable, 9, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrendOf(tt.scores)
			assert.Equal(t, tt.want, got.Trend)
			assert.InDelta(t, tt.recent, got.RecentAvg, 0.001)
			assert.InDelta(t, tt.older, got.OlderAvg, 0.001)
		})
	}
}

func TestTrendOfShowsLastFiveScores(t *testing.T) {
	got := TrendOf([]int{1, 2, 3, 4, 5, 6, 7})
	assert.Equal(t, []int{3, 4, 5, 6, 7}, got.RecentScores)
	assert.Equal(t, TrendImproving, got.Trend)
}

func TestDriftMetricsFedByVerdicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	empty, err := h.eng.DriftMetrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Empty(t, empty.RecentTopics)
	assert.False(t, empty.GoalAligned)
	assert.Nil(t, empty.LastUpdated)

	h.put(t, &model.Record{Topic: "goals", Content: "Ship the scheduler.", Quality: 9, CreatedAt: epoch}, axis(0))

	h.add(t, "go/sched", "Timers fire on the runtime heap.", 9, axis(0))
	h.clock.Advance(time.Minute)
	h.add(t, "go/sched", "Preemption is asynchronous since 1.14.", 8, near(0, 1, 0.6))
	h.clock.Advance(time.Minute)
	_, err = h.eng.Add(ctx, model.Candidate{Topic: "Gardening", Content: "Tomatoes like sun.", Quality: 4})
	require.ErrorIs(t, err, model.ErrRejected)

	m, err := h.eng.DriftMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 2, m.Admitted)
	assert.InDelta(t, 0.67, m.AdmissionRate, 0.001)
	assert.InDelta(t, 7, m.AverageQuality, 0.001)
	// Drift is averaged over the drift-checked verdicts: 0, 0.4 and 1.
	assert.InDelta(t, 0.47, m.AverageDrift, 0.001)
	assert.Equal(t, []string{"go/sched", "go/sched", "gardening"}, m.RecentTopics)
	assert.True(t, m.GoalAligned)
	require.NotNil(t, m.LastUpdated)
	assert.Equal(t, epoch.Add(2*time.Minute), *m.LastUpdated)
}

func TestDriftMetricsSkipsUncheckedDrift(t *testing.T) {
	h := newHarness(t)
	u := 4.0
	_, err := h.eng.Add(context.Background(), model.Candidate{Topic: "go", Content: "Maps are not ordered.", Quality: 9, Understanding: &u})
	require.NoError(t, err)

	evs, err := h.eng.store.DB().RecentEvaluations(10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Nil(t, evs[0].Drift)
	require.NotNil(t, evs[0].Understanding)
	assert.Equal(t, 4.0, *evs[0].Understanding)
	assert.True(t, evs[0].Admitted)

	m, err := h.eng.DriftMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.AverageDrift)
	assert.Equal(t, 4.0, m.AverageUnderstanding)
}

func TestQualityTrendsUsesConfiguredWindow(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Gate.TrendWindow = 4 })
	ctx := context.Background()

	for i, q := range []int{2, 3, 3, 3, 9, 9, 8} {
		_, _ = h.eng.Add(ctx, model.Candidate{Topic: "go", Content: fmt.Sprintf("note %d", i), Quality: q, Exploratory: true})
	}

	trend, err := h.eng.QualityTrends(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, trend.Window)
	assert.Equal(t, []int{3, 9, 9, 8}, trend.RecentScores)
	assert.Equal(t, TrendImproving, trend.Trend)

	trend, err = h.eng.QualityTrends(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TrendStable, trend.Trend)
	assert.Equal(t, []int{9, 8}, trend.RecentScores)
}

func TestRecallStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.put(t, &model.Record{Topic: "go", Content: "a", Quality: 9, CreatedAt: epoch, RecallAttempts: 4, RecallSuccesses: 3}, nil)
	h.put(t, &model.Record{Topic: "go", Content: "b", Quality: 9, CreatedAt: epoch, RecallAttempts: 4, RecallSuccesses: 1}, nil)
	h.put(t, &model.Record{Topic: "go", Content: "c", Quality: 9, CreatedAt: epoch}, nil)

	one, err := h.eng.RecallStats(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, &RecallStats{ID: a.ID, Records: 1, Attempts: 4, Successes: 3, SuccessRate: 0.75}, one)

	all, err := h.eng.RecallStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, &RecallStats{Records: 3, Attempts: 8, Successes: 4, SuccessRate: 0.5}, all)

	_, err = h.eng.RecallStats(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
