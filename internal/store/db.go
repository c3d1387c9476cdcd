package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the SQLite database behind the store: the mutation journal,
// snapshots, embeddings and learning sessions.
type DB struct {
	*sql.DB
	Path string
}

// DefaultDBPath returns ~/.engram/engram.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".engram", "engram.db"), nil
}

// Pragmas go into the DSN so every pooled connection gets them, not only
// the first one.
var filePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

func dsn(name string, pragmas []string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + name + "?" + q.Encode()
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	sqlDB, err := sql.Open("sqlite", dsn(path, filePragmas))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return initDB(sqlDB, path)
}

// OpenMemory opens a private in-memory database. Each connection to
// :memory: is its own database, so the pool holds exactly one.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(":memory:", []string{"foreign_keys(1)"}))
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return initDB(sqlDB, ":memory:")
}

func initDB(sqlDB *sql.DB, path string) (*DB, error) {
	db := &DB{DB: sqlDB, Path: path}
	if err := db.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
