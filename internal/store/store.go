// Package store keeps the hub's SQLite catalogue: past sessions with their
// per-device outcomes, and the roster of devices the hub has seen.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the catalogue database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory catalogue.
func Open(path string, log zerolog.Logger) (*Store, error) {
	memory := path == ":memory:"
	dsn := ":memory:?_pragma=foreign_keys(1)"
	if !memory {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db, log: log}
	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Warn().Err(err).Msg("could not enable WAL mode")
		}
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []struct {
		label string
		sql   string
	}{
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id            TEXT PRIMARY KEY,
				name          TEXT NOT NULL,
				state         TEXT NOT NULL,
				dir           TEXT NOT NULL,
				created_at    TEXT NOT NULL,
				started_at    TEXT,
				stopped_at    TEXT,
				completed_at  TEXT,
				error         TEXT,
				snapshot_json TEXT NOT NULL,
				updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"sessions indexes", `
			CREATE INDEX IF NOT EXISTS idx_sessions_state   ON sessions(state);
			CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);`},
		{"session_devices", `
			CREATE TABLE IF NOT EXISTS session_devices (
				session_id TEXT NOT NULL,
				device_id  TEXT NOT NULL,
				start_ack  TEXT,
				stop_ack   TEXT,
				offset_ns  INTEGER,
				spread_ns  INTEGER,
				missing    INTEGER DEFAULT 0,
				PRIMARY KEY (session_id, device_id),
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			);`},
		{"transfer_jobs", `
			CREATE TABLE IF NOT EXISTS transfer_jobs (
				session_id     TEXT    NOT NULL,
				device_id      TEXT    NOT NULL,
				status         TEXT    NOT NULL,
				attempts       INTEGER DEFAULT 0,
				expected_bytes INTEGER DEFAULT 0,
				received_bytes INTEGER DEFAULT 0,
				checksum       TEXT,
				error          TEXT,
				PRIMARY KEY (session_id, device_id),
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			);`},
		{"devices", `
			CREATE TABLE IF NOT EXISTS devices (
				id           TEXT PRIMARY KEY,
				name         TEXT NOT NULL,
				address      TEXT,
				capabilities TEXT NOT NULL DEFAULT '[]',
				state        TEXT NOT NULL,
				epoch        INTEGER DEFAULT 0,
				last_seen    TEXT,
				updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
	}

	for _, st := range statements {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("store migration failed at [%s]: %w", st.label, err)
		}
	}
	s.log.Debug().Int("statements", len(statements)).Msg("store schema ready")
	return nil
}

// timeFormat keeps a fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// nullTime converts a time to a nullable column value.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, ns.String)
	return t
}
