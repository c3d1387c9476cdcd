package store

import "fmt"

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "mutations: append-only journal of record and edge changes",
		SQL: `
CREATE TABLE mutations (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id  TEXT NOT NULL,
    op         TEXT NOT NULL CHECK (op IN ('put', 'update', 'access', 'archive', 'edge')),
    payload    BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_mutations_record ON mutations(record_id);
`,
	},
	{
		Version:     2,
		Description: "snapshots: periodic full images of the record arena",
		SQL: `
CREATE TABLE snapshots (
    seq          INTEGER PRIMARY KEY,
    payload      BLOB NOT NULL,
    record_count INTEGER NOT NULL,
    edge_count   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "vectors: embedding vectors keyed by record id",
		SQL: `
CREATE TABLE vectors (
    record_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "learning_sessions: note buffers awaiting consolidation",
		SQL: `
CREATE TABLE learning_sessions (
    id          TEXT PRIMARY KEY,
    topic       TEXT NOT NULL,
    goal        TEXT,
    status      TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'consolidating', 'closed')),
    started_at  INTEGER NOT NULL,
    closed_at   INTEGER,
    notes       TEXT NOT NULL DEFAULT '[]',
    checkpoints TEXT NOT NULL DEFAULT '[]',
    summary     TEXT
);

CREATE INDEX idx_learning_sessions_status ON learning_sessions(status);
`,
	},
	{
		Version:     5,
		Description: "vectors: look up embeddings by model",
		SQL: `
CREATE INDEX idx_vectors_model ON vectors(model);
`,
	},
	{
		Version:     6,
		Description: "learning_sessions: planned duration",
		SQL: `
ALTER TABLE learning_sessions ADD COLUMN planned_ms INTEGER NOT NULL DEFAULT 0;
`,
	},
	{
		Version:     7,
		Description: "evaluations: quality gate verdict history",
		SQL: `
CREATE TABLE evaluations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    topic         TEXT NOT NULL,
    quality       INTEGER NOT NULL CHECK (quality BETWEEN 1 AND 10),
    understanding REAL,
    drift         REAL,
    admitted      INTEGER NOT NULL CHECK (admitted IN (0, 1)),
    reason        TEXT,
    created_at    INTEGER NOT NULL
);

CREATE INDEX idx_evaluations_created ON evaluations(created_at);
`,
	},
}

// migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (db *DB) migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	current, err := db.SchemaVersion()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.apply(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_versions (version, description) VALUES (?, ?)`,
		m.Version, m.Description); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the newest applied migration, 0 for a fresh database.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}
