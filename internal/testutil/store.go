package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/repository"
)

// NewStore opens a migrated SQLite store in a temporary directory.
// A file database is used so concurrent connections share state.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()

	ctx := context.Background()
	store, err := repository.Open(ctx, repository.Config{
		Backend:    repository.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "runledger.db"),
	}, NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Migrate(ctx)
	require.NoError(t, err)

	return store
}
