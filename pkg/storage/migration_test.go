package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	from, err := migrate(db)
	require.NoError(t, err)
	assert.Equal(t, 0, from)

	version, err := schemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	// Running again is a no-op
	from, err = migrate(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, from)

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestOpenJournalRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_version (version, applied_at, comment) VALUES (?, 0, 'future')`, SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenJournal(path, 0, nil)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestMigrationsAreOrdered(t *testing.T) {
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.version, m.description)
	}
	assert.Equal(t, SchemaVersion, migrations[len(migrations)-1].version)
}
