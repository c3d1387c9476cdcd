package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compemperor/engram/internal/model"
)

const sessionColumns = `id, topic, goal, status, started_at, planned_ms, closed_at, notes, checkpoints, summary`

// CreateSession inserts a new learning session.
func (db *DB) CreateSession(s *model.LearningSession) error {
	notes, checkpoints, err := encodeBuffer(s)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO learning_sessions (id, topic, goal, status, started_at, planned_ms, notes, checkpoints)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
	`, s.ID, s.Topic, s.Goal, string(s.Status), s.StartedAt.UnixMilli(), s.Planned.Milliseconds(), notes, checkpoints)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a learning session by id, or model.ErrNotFound.
func (db *DB) GetSession(id string) (*model.LearningSession, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM learning_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions with the given status (all when empty),
// newest first.
func (db *DB) ListSessions(status model.SessionStatus, limit int) ([]*model.LearningSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+sessionColumns+` FROM learning_sessions
		WHERE (? = '' OR status = ?)
		ORDER BY started_at DESC LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.LearningSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveSessionBuffer writes notes and checkpoints of an active session.
// It returns model.ErrSessionClosed if the session is no longer active.
func (db *DB) SaveSessionBuffer(s *model.LearningSession) error {
	notes, checkpoints, err := encodeBuffer(s)
	if err != nil {
		return err
	}
	result, err := db.Exec(`
		UPDATE learning_sessions SET notes = ?, checkpoints = ?
		WHERE id = ? AND status = 'active'
	`, notes, checkpoints, s.ID)
	if err != nil {
		return fmt.Errorf("save session buffer: %w", err)
	}
	return db.expectTransition(result, s.ID)
}

// TransitionSession moves a session from one status to another atomically.
// It returns model.ErrSessionClosed when the session is not in from.
func (db *DB) TransitionSession(id string, from, to model.SessionStatus) error {
	result, err := db.Exec(`
		UPDATE learning_sessions SET status = ? WHERE id = ? AND status = ?
	`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	return db.expectTransition(result, id)
}

// CloseSession discards the buffer of a consolidating session and keeps
// only its summary. Notes still pending are kept and the session reopens.
func (db *DB) CloseSession(s *model.LearningSession, at time.Time) error {
	summary, err := json.Marshal(s.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	notes, checkpoints, err := encodeBuffer(s)
	if err != nil {
		return err
	}

	status := model.SessionClosed
	var closedAt any = at.UnixMilli()
	if len(s.Notes) > 0 {
		status = model.SessionActive
		closedAt = nil
	}

	result, err := db.Exec(`
		UPDATE learning_sessions SET status = ?, closed_at = ?, notes = ?, checkpoints = ?, summary = ?
		WHERE id = ? AND status = 'consolidating'
	`, string(status), closedAt, notes, checkpoints, string(summary), s.ID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := db.expectTransition(result, s.ID); err != nil {
		return err
	}
	s.Status = status
	if status == model.SessionClosed {
		s.ClosedAt = &at
	}
	return nil
}

// SaveConsolidationProgress writes the remaining notes and the running
// summary of a consolidating session, so that a crash never replays notes
// that were already admitted or rejected.
func (db *DB) SaveConsolidationProgress(s *model.LearningSession) error {
	summary, err := json.Marshal(s.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	notes, _, err := encodeBuffer(s)
	if err != nil {
		return err
	}
	result, err := db.Exec(`
		UPDATE learning_sessions SET notes = ?, summary = ?
		WHERE id = ? AND status = 'consolidating'
	`, notes, string(summary), s.ID)
	if err != nil {
		return fmt.Errorf("save consolidation progress: %w", err)
	}
	return db.expectTransition(result, s.ID)
}

// ReopenSessions moves every consolidating session back to active and
// returns how many it moved. It runs at startup, when no consolidation can
// be in flight.
func (db *DB) ReopenSessions() (int64, error) {
	result, err := db.Exec(`UPDATE learning_sessions SET status = 'active' WHERE status = 'consolidating'`)
	if err != nil {
		return 0, fmt.Errorf("reopen sessions: %w", err)
	}
	return result.RowsAffected()
}

func (db *DB) expectTransition(result sql.Result, id string) error {
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}
	if _, err := db.GetSession(id); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, model.ErrSessionClosed)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.LearningSession, error) {
	var (
		s                  model.LearningSession
		goal, summary      sql.NullString
		status             string
		startedAt, planned int64
		closedAt           sql.NullInt64
		notes, checkpoints string
	)
	if err := row.Scan(&s.ID, &s.Topic, &goal, &status, &startedAt, &planned, &closedAt, &notes, &checkpoints, &summary); err != nil {
		return nil, err
	}
	s.Goal = goal.String
	s.Status = model.SessionStatus(status)
	s.StartedAt = time.UnixMilli(startedAt).UTC()
	s.Planned = time.Duration(planned) * time.Millisecond
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		s.ClosedAt = &t
	}
	if err := json.Unmarshal([]byte(notes), &s.Notes); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	if err := json.Unmarshal([]byte(checkpoints), &s.Checkpoints); err != nil {
		return nil, fmt.Errorf("decode checkpoints: %w", err)
	}
	if summary.Valid && summary.String != "" && summary.String != "null" {
		s.Summary = &model.SessionSummary{}
		if err := json.Unmarshal([]byte(summary.String), s.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return &s, nil
}

func encodeBuffer(s *model.LearningSession) (notes, checkpoints string, err error) {
	n := s.Notes
	if n == nil {
		n = []model.Note{}
	}
	c := s.Checkpoints
	if c == nil {
		c = []model.Checkpoint{}
	}
	nb, err := json.Marshal(n)
	if err != nil {
		return "", "", fmt.Errorf("encode notes: %w", err)
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("encode checkpoints: %w", err)
	}
	return string(nb), string(cb), nil
}
