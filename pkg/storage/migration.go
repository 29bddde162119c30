package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the journal schema version this build writes
const SchemaVersion = 1

// ErrSchemaTooNew is returned when the database was written by a newer build
var ErrSchemaTooNew = errors.New("journal schema is newer than supported")

type migration struct {
	version     int
	description string
	up          string
}

// migrations in order; never edit an entry once released, append a new one
var migrations = []migration{
	{
		version:     1,
		description: "journal table",
		up: `
		CREATE TABLE journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			peer TEXT NOT NULL DEFAULT '',
			remote TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX idx_journal_conn ON journal(conn_id, id);
		CREATE INDEX idx_journal_timestamp ON journal(timestamp);
		`,
	},
}

// schemaVersion returns the version recorded in db, 0 for a fresh database
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// migrate brings db up to SchemaVersion. Each step runs in its own
// transaction together with its schema_version row.
func migrate(db *sql.DB) (from int, err error) {
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL,
			comment TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	from, err = schemaVersion(db)
	if err != nil {
		return 0, err
	}
	if from > SchemaVersion {
		return from, fmt.Errorf("%w: database version %d, supported %d", ErrSchemaTooNew, from, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return from, err
		}
	}
	return from, nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.up); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
	}
	_, err = tx.Exec(`INSERT INTO schema_version (version, applied_at, comment) VALUES (?, ?, ?)`,
		m.version, time.Now().Unix(), m.description)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}
