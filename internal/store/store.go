package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when an aggregate does not exist.
	ErrNotFound = errors.New("aggregate not found")

	// ErrVersionConflict is returned by Commit when an aggregate's stored
	// version no longer matches the version the write was based on.
	ErrVersionConflict = errors.New("version conflict")
)

// migration upgrades a database from version-1 to version. Recorded in
// PRAGMA user_version.
type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "kind index", `CREATE INDEX IF NOT EXISTS idx_aggregates_kind ON aggregates(kind, id)`},
}

// schemaVersion is the user_version of a fully migrated database.
var schemaVersion = migrations[len(migrations)-1].version

// connParams are applied by the driver to every connection it opens.
var connParams = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
}

// Store holds aggregates with their applied and audit logs in SQLite.
//
// One connection is kept open: SQLite allows a single writer, and Commit
// relies on its transactions being serialized.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and brings its schema up to
// date. Opening an existing database is safe.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?" + connParams.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("store opened", "path", path, "schema_version", schemaVersion)
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates missing tables, then runs every migration newer than the
// database's user_version, each in its own transaction.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Info("store migrated", "version", m.version, "migration", m.name)
	}
	return nil
}

// pragma reads a connection setting, for tests.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
