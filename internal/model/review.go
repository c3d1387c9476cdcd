package model

import (
	"fmt"
	"time"
)

// Outcome is the result of a recall attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ParseOutcome validates s as a review outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailure:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalid, s)
}

// ReviewSchedule tracks spaced-repetition state for one record.
type ReviewSchedule struct {
	NextReviewAt   time.Time     `json:"next_review_at"`
	Interval       time.Duration `json:"interval"`
	EaseFactor     float64       `json:"ease_factor"`
	LastOutcome    Outcome       `json:"last_outcome,omitempty"`
	LastReviewedAt time.Time     `json:"last_reviewed_at"`
	Repetitions    int           `json:"repetitions"`
}

// Due reports whether the schedule is due at now.
func (s *ReviewSchedule) Due(now time.Time) bool {
	return s != nil && !s.NextReviewAt.After(now)
}
