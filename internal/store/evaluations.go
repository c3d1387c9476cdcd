package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Evaluation is one quality gate verdict on an admission candidate.
type Evaluation struct {
	ID            int64     `json:"id"`
	Topic         string    `json:"topic"`
	Quality       int       `json:"quality"`
	Understanding *float64  `json:"understanding,omitempty"`
	Drift         *float64  `json:"drift,omitempty"` // nil when no goal set was available
	Admitted      bool      `json:"admitted"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// AppendEvaluation records ev and sets its ID.
func (db *DB) AppendEvaluation(ev *Evaluation) error {
	result, err := db.Exec(`
		INSERT INTO evaluations (topic, quality, understanding, drift, admitted, reason, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)
	`, ev.Topic, ev.Quality, ev.Understanding, ev.Drift, ev.Admitted, ev.Reason, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	ev.ID, err = result.LastInsertId()
	return err
}

// RecentEvaluations returns up to limit verdicts, oldest first.
func (db *DB) RecentEvaluations(limit int) ([]Evaluation, error) {
	rows, err := db.Query(`
		SELECT id, topic, quality, understanding, drift, admitted, reason, created_at
		FROM (SELECT * FROM evaluations ORDER BY id DESC LIMIT ?)
		ORDER BY id
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var (
			ev                   Evaluation
			understanding, drift sql.NullFloat64
			reason               sql.NullString
			at                   int64
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Quality, &understanding, &drift, &ev.Admitted, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		if understanding.Valid {
			ev.Understanding = &understanding.Float64
		}
		if drift.Valid {
			ev.Drift = &drift.Float64
		}
		ev.Reason = reason.String
		ev.At = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EvaluationTotals aggregates every recorded verdict.
type EvaluationTotals struct {
	Count                int        `json:"count"`
	Admitted             int        `json:"admitted"`
	AverageQuality       float64    `json:"average_quality"`
	AverageUnderstanding float64    `json:"average_understanding"` // over verdicts that carried one
	AverageDrift         float64    `json:"average_drift"`         // over drift-checked verdicts
	LastAt               *time.Time `json:"last_at,omitempty"`
}

// EvaluationTotals returns aggregates over the whole verdict history.
func (db *DB) EvaluationTotals() (EvaluationTotals, error) {
	var (
		t                             EvaluationTotals
		quality, understanding, drift sql.NullFloat64
		admitted, last                sql.NullInt64
	)
	err := db.QueryRow(`
		SELECT COUNT(*), SUM(admitted), AVG(quality), AVG(understanding), AVG(drift), MAX(created_at)
		FROM evaluations
	`).Scan(&t.Count, &admitted, &quality, &understanding, &drift, &last)
	if err != nil {
		return t, fmt.Errorf("evaluation totals: %w", err)
	}
	t.Admitted = int(admitted.Int64)
	t.AverageQuality = quality.Float64
	t.AverageUnderstanding = understanding.Float64
	t.AverageDrift = drift.Float64
	if last.Valid {
		at := time.UnixMilli(last.Int64).UTC()
		t.LastAt = &at
	}
	return t, nil
}
