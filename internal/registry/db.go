// Package registry provides persistent storage for VM handle identity and
// pool lease state. Uses pure-Go SQLite (modernc.org/sqlite) — no cgo
// required. Handle ids survive daemon restarts so every id handed out over
// the control socket is unique for the daemon's installed lifetime, not just
// one process run.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for the handle/lease ledger.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS handle_counter (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			next_id INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO handle_counter (id, next_id) VALUES (1, 1);

		CREATE TABLE IF NOT EXISTS leases (
			handle_id  INTEGER PRIMARY KEY,
			pool       TEXT NOT NULL DEFAULT '',
			state      TEXT NOT NULL DEFAULT 'outstanding',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}
