package sqlitedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "rewind.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, Migrate(first,
		`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT)`,
		`INSERT INTO t (v) VALUES ('a')`,
	))
	require.NoError(t, first.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()
	var v string
	require.NoError(t, db.QueryRow(`SELECT v FROM t`).Scan(&v))
	assert.Equal(t, "a", v)
}

func TestMigrate_ReportsFailingStatement(t *testing.T) {
	t.Parallel()
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(db, `CREATE TABLE ok (id INTEGER)`, `NOT SQL`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate")
}
