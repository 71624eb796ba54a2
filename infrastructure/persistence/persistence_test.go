package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/internal/database"
)

// newTestDB creates a migrated in-memory SQLite database.
func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(Models()...))
	t.Cleanup(func() { _ = db.Close() })
	return &db
}

func testCtx() context.Context { return context.Background() }
