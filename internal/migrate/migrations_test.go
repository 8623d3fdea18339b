package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etdflow/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, db.SQLite))
	require.NoError(t, Migrate(conn, db.SQLite))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)

	for _, table := range []string{"applications", "application_agencies", "agency_remarks", "events", "api_keys", "settings"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestBothDialectsShipSameVersions(t *testing.T) {
	lite, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	pg, err := loadMigrations(db.Postgres)
	require.NoError(t, err)
	require.Equal(t, len(lite), len(pg))
	for i := range lite {
		assert.Equal(t, lite[i].Version, pg[i].Version)
		assert.Equal(t, len(statements(lite[i].UpSQL)), len(statements(pg[i].UpSQL)))
	}
}
