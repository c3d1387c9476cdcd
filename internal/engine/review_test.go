package engine

import (
	"context"
	"testing"
	"time"

	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextScheduleSuccessGrowsInterval(t *testing.T) {
	cfg := config.Default().Review
	var s *model.ReviewSchedule
	prev := time.Duration(0)
	for i := range 6 {
		s = NextSchedule(cfg, s, model.OutcomeSuccess, epoch)
		assert.Greater(t, s.Interval, prev, "review %d", i)
		assert.Equal(t, i+1, s.Repetitions)
		assert.Equal(t, epoch.Add(s.Interval), s.NextReviewAt)
		prev = s.Interval
	}
	assert.LessOrEqual(t, s.EaseFactor, cfg.MaxEase)
}

func TestNextScheduleFailureResets(t *testing.T) {
	cfg := config.Default().Review
	s := NextSchedule(cfg, nil, model.OutcomeSuccess, epoch)
	s = NextSchedule(cfg, s, model.OutcomeSuccess, epoch)
	ease := s.EaseFactor

	s = NextSchedule(cfg, s, model.OutcomeFailure, epoch)
	assert.Equal(t, cfg.MinInterval, s.Interval)
	assert.Zero(t, s.Repetitions)
	assert.InDelta(t, ease-cfg.EasePenalty, s.EaseFactor, 1e-9)
	assert.Equal(t, model.OutcomeFailure, s.LastOutcome)

	for range 20 {
		s = NextSchedule(cfg, s, model.OutcomeFailure, epoch)
	}
	assert.Equal(t, cfg.MinEase, s.EaseFactor, "ease never drops below its floor")
}

func TestNextScheduleGrowsPastMaxInterval(t *testing.T) {
	cfg := config.Default().Review
	s := &model.ReviewSchedule{Interval: cfg.MaxInterval - time.Hour, EaseFactor: cfg.MaxEase}
	s = NextSchedule(cfg, s, model.OutcomeSuccess, epoch)
	assert.Equal(t, cfg.MaxInterval, s.Interval, "multiplicative growth stops at max_interval")

	for range 3 {
		before := s.Interval
		s = NextSchedule(cfg, s, model.OutcomeSuccess, epoch)
		assert.Equal(t, before+cfg.MinInterval, s.Interval)
	}

	for _, ease := range []float64{cfg.MinEase, cfg.InitialEase, cfg.MaxEase} {
		s := &model.ReviewSchedule{Interval: cfg.MaxInterval, EaseFactor: ease}
		next := NextSchedule(cfg, s, model.OutcomeSuccess, epoch)
		assert.Greater(t, next.Interval, s.Interval, "ease %.1f", ease)
		assert.Equal(t, epoch.Add(next.Interval), next.NextReviewAt)
	}
}

func TestSubmitReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.add(t, "go", "Defer runs in LIFO order.", 9, nil)
	assert.Nil(t, r.Review, "schedules are created on first review")

	got, err := h.eng.SubmitReview(ctx, r.ID, model.OutcomeSuccess)
	require.NoError(t, err)
	require.NotNil(t, got.Review)
	assert.Equal(t, 1, got.RecallAttempts)
	assert.Equal(t, 1, got.RecallSuccesses)
	assert.Equal(t, 1, got.AccessCount, "a review is a semantic access")
	first := got.Review.Interval

	got, err = h.eng.SubmitReview(ctx, r.ID, model.OutcomeSuccess)
	require.NoError(t, err)
	assert.Greater(t, got.Review.Interval, first)

	got, err = h.eng.SubmitReview(ctx, r.ID, model.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Review.MinInterval, got.Review.Interval)
	assert.Equal(t, 3, got.RecallAttempts)
	assert.Equal(t, 2, got.RecallSuccesses)

	_, err = h.eng.SubmitReview(ctx, r.ID, "maybe")
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = h.eng.SubmitReview(ctx, "missing", model.OutcomeSuccess)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, h.eng.Archive(ctx, r.ID))
	_, err = h.eng.SubmitReview(ctx, r.ID, model.OutcomeSuccess)
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestSubmitReviewRestoresDormant(t *testing.T) {
	h := newHarness(t)
	d := h.put(t, &model.Record{
		Topic: "ops", Content: "Rotate logs.", Quality: 4, RecallAttempts: 1,
		State: model.StateDormant, CreatedAt: epoch.AddDate(0, 0, -200),
	}, nil)
	require.Equal(t, model.StateDormant, d.State)

	got, err := h.eng.SubmitReview(context.Background(), d.ID, model.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, got.State)
}

func TestDueForReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.add(t, "go", "First lesson.", 9, nil)
	b := h.add(t, "go", "Second lesson.", 8, nil)
	h.add(t, "go", "Never reviewed.", 9, nil)

	_, err := h.eng.SubmitReview(ctx, a.ID, model.OutcomeSuccess)
	require.NoError(t, err)
	_, err = h.eng.SubmitReview(ctx, b.ID, model.OutcomeFailure)
	require.NoError(t, err)
	assert.Empty(t, h.eng.DueForReview(h.clock.Now(), 0))

	h.clock.Advance(30 * 24 * time.Hour)
	due := h.eng.DueForReview(h.clock.Now(), 0)
	require.Len(t, due, 2)
	assert.Equal(t, b.ID, due[0].Record.ID, "more overdue and weaker first")
	assert.Greater(t, due[0].Priority, due[1].Priority)
	assert.Greater(t, due[0].OverdueDays, 0.0)

	assert.Len(t, h.eng.DueForReview(h.clock.Now(), 1), 1)
}

func TestReviewPriority(t *testing.T) {
	assert.InDelta(t, 0.5*0.5+0.5*0.2, ReviewPriority(5, 0.8), 1e-12)
	assert.InDelta(t, 0.5+0.5*0.2, ReviewPriority(40, 0.8), 1e-12, "overdue weight caps at ten days")
}

func TestDifficultyFor(t *testing.T) {
	tests := []struct {
		attempts, successes int
		want                Difficulty
	}{
		{0, 0, DifficultyMedium},
		{5, 4, DifficultyHard},
		{4, 2, DifficultyMedium},
		{4, 1, DifficultyEasy},
	}
	for _, tt := range tests {
		r := &model.Record{RecallAttempts: tt.attempts, RecallSuccesses: tt.successes}
		assert.Equal(t, tt.want, DifficultyFor(r), "%d/%d", tt.successes, tt.attempts)
	}
}

func TestChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Challenge(ctx, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	sem := h.add(t, "go/errors", "Wrap errors with context.", 9, nil)
	c, err := h.eng.Challenge(ctx, "go")
	require.NoError(t, err)
	assert.False(t, c.Due)
	assert.Equal(t, sem.ID, c.Record.ID)
	assert.Equal(t, "What is the key lesson about go/errors?", c.Question)
	assert.Equal(t, DifficultyMedium, c.Difficulty)

	ep, err := h.eng.Add(ctx, model.Candidate{Topic: "incidents", Content: "The outage of March.", Kind: model.KindEpisodic, Quality: 9})
	require.NoError(t, err)
	_, err = h.eng.SubmitReview(ctx, ep.Record.ID, model.OutcomeSuccess)
	require.NoError(t, err)
	h.clock.Advance(72 * time.Hour)

	c, err = h.eng.Challenge(ctx, "")
	require.NoError(t, err)
	assert.True(t, c.Due)
	assert.Equal(t, ep.Record.ID, c.Record.ID)
	assert.Equal(t, "What did you learn from your experience with incidents?", c.Question)
	assert.Equal(t, DifficultyHard, c.Difficulty)

	_, err = h.eng.Challenge(ctx, "rust")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
