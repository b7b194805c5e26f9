package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/headliner/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(embeddedMigrations, "migrations/*.down.sql")
	require.NoError(t, err)

	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestRunCreatesTablesOnSQLite(t *testing.T) {
	conn, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)

	require.NoError(t, Run(conn))
	require.NoError(t, Run(conn))

	for _, table := range []string{"experiments", "experiment_variants", "rotation_log", "analytics_snapshots", "owner_credentials", "quota_counters"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}
