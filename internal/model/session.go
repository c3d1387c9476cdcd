package model

import (
	"math"
	"time"
)

// SessionStatus is the state of a learning session.
type SessionStatus string

const (
	SessionActive        SessionStatus = "active"
	SessionConsolidating SessionStatus = "consolidating"
	SessionClosed        SessionStatus = "closed"
)

// Note is a progressive learning note captured during a session.
type Note struct {
	Content   string    `json:"content"`
	Quality   int       `json:"quality"`
	SourceURL string    `json:"source_url,omitempty"`
	At        time.Time `json:"at"`
}

// Checkpoint is a self-verification entry.
type Checkpoint struct {
	Topic           string    `json:"topic"`
	Understanding   float64   `json:"understanding"`
	SourcesVerified bool      `json:"sources_verified"`
	Gaps            []string  `json:"gaps,omitempty"`
	Applications    []string  `json:"applications,omitempty"`
	At              time.Time `json:"at"`
}

// SessionSummary survives session close after the buffer is discarded.
type SessionSummary struct {
	Notes                int     `json:"notes"`
	Checkpoints          int     `json:"checkpoints"`
	Admitted             int     `json:"admitted"`
	Rejected             int     `json:"rejected"`
	VerifiedSources      int     `json:"verified_sources"`
	AverageUnderstanding float64 `json:"average_understanding"`
	DurationSeconds      float64 `json:"duration_seconds"`
	PlannedSeconds       float64 `json:"planned_seconds"`
}

// LearningSession buffers notes and checkpoints until consolidation.
type LearningSession struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Goal        string          `json:"goal,omitempty"`
	Status      SessionStatus   `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	Planned     time.Duration   `json:"planned_duration"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	Notes       []Note          `json:"notes"`
	Checkpoints []Checkpoint    `json:"checkpoints"`
	Summary     *SessionSummary `json:"summary,omitempty"`
}

// TimeCheck is the progress of a session against its planned duration.
type TimeCheck struct {
	StartedAt       time.Time     `json:"started_at"`
	TargetEnd       time.Time     `json:"target_end"`
	At              time.Time     `json:"at"`
	Planned         time.Duration `json:"planned_duration"`
	Elapsed         time.Duration `json:"elapsed"`
	Remaining       time.Duration `json:"remaining"` // negative past the target
	ProgressPercent float64       `json:"progress_percent"`
	TargetReached   bool          `json:"target_reached"`
}

// TimeCheck measures the session at now, or at its close time once closed.
func (s *LearningSession) TimeCheck(now time.Time) TimeCheck {
	if s.ClosedAt != nil {
		now = *s.ClosedAt
	}
	end := s.StartedAt.Add(s.Planned)
	tc := TimeCheck{
		StartedAt:     s.StartedAt,
		TargetEnd:     end,
		At:            now,
		Planned:       s.Planned,
		Elapsed:       now.Sub(s.StartedAt),
		Remaining:     end.Sub(now),
		TargetReached: !now.Before(end),
	}
	if s.Planned > 0 {
		tc.ProgressPercent = math.Round(1000*float64(tc.Elapsed)/float64(s.Planned)) / 10
	}
	return tc
}

// AverageUnderstanding returns the mean checkpoint understanding, or ok=false
// when there are no checkpoints.
func (s *LearningSession) AverageUnderstanding() (float64, bool) {
	if len(s.Checkpoints) == 0 {
		return 0, false
	}
	var sum float64
	for _, c := range s.Checkpoints {
		sum += c.Understanding
	}
	return sum / float64(len(s.Checkpoints)), true
}
