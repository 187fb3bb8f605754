package migrate_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/db"
	"pressline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"users", "editions", "tasks", "notifications", "scheduled_actions", "automation_contexts", "events"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
