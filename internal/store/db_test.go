package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB returns a migrated in-memory database closed at test end.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrations(t *testing.T) {
	db := testDB(t)
	want := migrations[len(migrations)-1].Version

	v, err := db.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, want, v)

	require.NoError(t, db.migrate(), "second migrate")
	v, err = db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, want, v, "version after re-migrate")

	for _, table := range []string{"schema_versions", "mutations", "snapshots", "vectors", "learning_sessions", "evaluations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestCheckConstraints(t *testing.T) {
	tests := []struct {
		name    string
		stmt    string
		wantErr bool
	}{
		{"mutation put", `INSERT INTO mutations (record_id, op, payload, created_at) VALUES ('r1', 'put', '{}', 1)`, false},
		{"mutation edge", `INSERT INTO mutations (record_id, op, payload, created_at) VALUES ('r1', 'edge', '{}', 1)`, false},
		{"mutation delete", `INSERT INTO mutations (record_id, op, payload, created_at) VALUES ('r1', 'delete', '{}', 1)`, true},
		{"session active", `INSERT INTO learning_sessions (id, topic, status, started_at) VALUES ('s1', 'go', 'active', 1)`, false},
		{"session completed", `INSERT INTO learning_sessions (id, topic, status, started_at) VALUES ('s2', 'go', 'completed', 1)`, true},
		{"evaluation", `INSERT INTO evaluations (topic, quality, admitted, created_at) VALUES ('go', 8, 1, 1)`, false},
		{"evaluation quality", `INSERT INTO evaluations (topic, quality, admitted, created_at) VALUES ('go', 11, 1, 1)`, true},
		{"evaluation admitted", `INSERT INTO evaluations (topic, quality, admitted, created_at) VALUES ('go', 8, 2, 1)`, true},
	}
	db := testDB(t)
	for _, tt := range tests {
		_, err := db.Exec(tt.stmt)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "engram.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file not created")

	// pragmas from the DSN hold on every pooled connection
	db.SetMaxOpenConns(4)
	for range 3 {
		var mode string
		var fk int
		require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
		assert.Equal(t, "wal", mode)
		require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
		assert.Equal(t, 1, fk)
	}
}
