package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown record ids, topics or sessions.
	ErrNotFound = errors.New("not found")

	// ErrRejected is matched by every *RejectionError.
	ErrRejected = errors.New("rejected by quality gate")

	// ErrCollaboratorUnavailable wraps embedding or index failures that
	// persisted after retries.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrInvariantViolation is fatal to a single operation only.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalid marks malformed caller input.
	ErrInvalid = errors.New("invalid input")

	// ErrSessionClosed is returned when mutating a session that is no longer active.
	ErrSessionClosed = errors.New("session not active")
)

// RejectReason explains why the gate refused a candidate.
type RejectReason string

const (
	ReasonQualityTooLow RejectReason = "quality_too_low"
	ReasonDriftTooHigh  RejectReason = "drift_too_high"
)

// RejectionError carries the gate's verdict for a refused candidate.
type RejectionError struct {
	Reason    RejectReason
	Quality   int
	Threshold int
	Drift     float64
	Ceiling   float64
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonDriftTooHigh:
		return fmt.Sprintf("rejected: drift %.2f exceeds ceiling %.2f", e.Drift, e.Ceiling)
	default:
		return fmt.Sprintf("rejected: quality %d below threshold %d", e.Quality, e.Threshold)
	}
}

// Is makes errors.Is(err, ErrRejected) true for rejections.
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}
