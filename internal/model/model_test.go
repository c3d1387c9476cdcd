package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicWithin(t *testing.T) {
	tests := []struct {
		topic, parent string
		want          bool
	}{
		{"go/concurrency", "go", true},
		{"go", "go", true},
		{"Go/Concurrency/", "go/concurrency", true},
		{"golang", "go", false},
		{"rust/async", "go", false},
		{"anything", "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicWithin(tt.topic, tt.parent), "TopicWithin(%q, %q)", tt.topic, tt.parent)
	}
}

func TestTopicPrefix(t *testing.T) {
	assert.Equal(t, "go", TopicPrefix("go/concurrency/channels"))
	assert.Equal(t, "go", TopicPrefix("/go/"))
	assert.Equal(t, "single", TopicPrefix("single"))
}

func TestRecordClone(t *testing.T) {
	u := 3.5
	r := &Record{
		ID:            "a",
		Understanding: &u,
		MergedFrom:    []string{"b"},
		Review:        &ReviewSchedule{Interval: time.Hour},
	}
	c := r.Clone()
	*c.Understanding = 1
	c.MergedFrom[0] = "z"
	c.Review.Interval = time.Minute

	assert.Equal(t, 3.5, *r.Understanding)
	assert.Equal(t, "b", r.MergedFrom[0])
	assert.Equal(t, time.Hour, r.Review.Interval)
}

func TestRejectionErrorIs(t *testing.T) {
	err := fmt.Errorf("add: %w", &RejectionError{Reason: ReasonQualityTooLow, Quality: 7, Threshold: 8})
	assert.True(t, errors.Is(err, ErrRejected))

	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonQualityTooLow, rej.Reason)
	assert.Contains(t, err.Error(), "quality 7 below threshold 8")
}

func TestParseRelation(t *testing.T) {
	r, err := ParseRelation("")
	require.NoError(t, err)
	assert.Equal(t, RelatedTo, r)

	r, err = ParseRelation("contradicts")
	require.NoError(t, err)
	assert.Equal(t, Contradicts, r)

	_, err = ParseRelation("likes")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAverageUnderstanding(t *testing.T) {
	s := &LearningSession{}
	_, ok := s.AverageUnderstanding()
	assert.False(t, ok)

	s.Checkpoints = []Checkpoint{{Understanding: 3}, {Understanding: 5}}
	avg, ok := s.AverageUnderstanding()
	assert.True(t, ok)
	assert.Equal(t, 4.0, avg)
}

func TestSessionTimeCheck(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &LearningSession{StartedAt: start, Planned: 30 * time.Minute}

	tc := s.TimeCheck(start.Add(12 * time.Minute))
	assert.Equal(t, start.Add(30*time.Minute), tc.TargetEnd)
	assert.Equal(t, 12*time.Minute, tc.Elapsed)
	assert.Equal(t, 18*time.Minute, tc.Remaining)
	assert.Equal(t, 40.0, tc.ProgressPercent)
	assert.False(t, tc.TargetReached)

	tc = s.TimeCheck(start.Add(45 * time.Minute))
	assert.Equal(t, -15*time.Minute, tc.Remaining)
	assert.Equal(t, 150.0, tc.ProgressPercent)
	assert.True(t, tc.TargetReached)

	closed := start.Add(20 * time.Minute)
	s.ClosedAt = &closed
	tc = s.TimeCheck(start.Add(time.Hour))
	assert.Equal(t, 20*time.Minute, tc.Elapsed, "a closed session stops the clock")
	assert.False(t, tc.TargetReached)
}
