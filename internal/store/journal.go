package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compemperor/engram/internal/model"
)

// Op names the kind of journaled mutation.
type Op string

const (
	OpPut     Op = "put"
	OpUpdate  Op = "update"
	OpAccess  Op = "access"
	OpArchive Op = "archive"
	OpEdge    Op = "edge"
)

// Mutation is one journal entry. Record ops carry the full post-mutation
// image; edge ops carry the edge.
type Mutation struct {
	Seq      int64
	RecordID string
	Op       Op
	Record   *model.Record
	Edge     *model.Edge
	At       time.Time
}

type mutationPayload struct {
	Record *model.Record `json:"record,omitempty"`
	Edge   *model.Edge   `json:"edge,omitempty"`
}

// Snapshot is a full image of the arena up to and including Seq.
type Snapshot struct {
	Seq       int64           `json:"seq"`
	Records   []*model.Record `json:"records"`
	Edges     []model.Edge    `json:"edges"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendMutation writes m to the journal and sets m.Seq.
func (db *DB) AppendMutation(m *Mutation) error {
	payload, err := json.Marshal(mutationPayload{Record: m.Record, Edge: m.Edge})
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	result, err := db.Exec(`
		INSERT INTO mutations (record_id, op, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, m.RecordID, string(m.Op), payload, m.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	m.Seq, _ = result.LastInsertId()
	return nil
}

// MutationsSince returns journal entries with seq > after, in order.
func (db *DB) MutationsSince(after int64) ([]Mutation, error) {
	rows, err := db.Query(`
		SELECT seq, record_id, op, payload, created_at
		FROM mutations WHERE seq > ? ORDER BY seq
	`, after)
	if err != nil {
		return nil, fmt.Errorf("mutations since %d: %w", after, err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var (
			m       Mutation
			op      string
			payload []byte
			at      int64
		)
		if err := rows.Scan(&m.Seq, &m.RecordID, &op, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		var p mutationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode mutation %d: %w", m.Seq, err)
		}
		m.Op = Op(op)
		m.Record = p.Record
		m.Edge = p.Edge
		m.At = time.UnixMilli(at).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// MutationCount returns the number of journal entries for a record, or all
// entries when recordID is empty.
func (db *DB) MutationCount(recordID string) (int, error) {
	var n int
	var err error
	if recordID == "" {
		err = db.QueryRow("SELECT COUNT(*) FROM mutations").Scan(&n)
	} else {
		err = db.QueryRow("SELECT COUNT(*) FROM mutations WHERE record_id = ?", recordID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// SaveSnapshot stores snap. Snapshots are keyed by the last seq they cover.
func (db *DB) SaveSnapshot(snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO snapshots (seq, payload, record_count, edge_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO UPDATE SET payload = excluded.payload,
			record_count = excluded.record_count, edge_count = excluded.edge_count,
			created_at = excluded.created_at
	`, snap.Seq, payload, len(snap.Records), len(snap.Edges), snap.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or nil if none exists.
func (db *DB) LatestSnapshot() (*Snapshot, error) {
	var payload []byte
	err := db.QueryRow("SELECT payload FROM snapshots ORDER BY seq DESC LIMIT 1").Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (db *DB) PruneSnapshots(keep int) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM snapshots WHERE seq NOT IN (
			SELECT seq FROM snapshots ORDER BY seq DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return result.RowsAffected()
}
