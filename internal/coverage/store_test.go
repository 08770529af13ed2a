package coverage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "coverage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenStore_Pragmas(t *testing.T) {
	s := openTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpenStore_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.db")
	for i := 0; i < 3; i++ {
		s, err := OpenStore(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	original := sampleReport(t)

	require.NoError(t, s.SaveSnapshot(ctx, "nightly", original))

	loaded, err := s.LoadSnapshot(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestSnapshot_ReplaceByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, "main", sampleReport(t)))

	empty := newTestCollector().Report()
	require.NoError(t, s.SaveSnapshot(ctx, "main", empty))

	list, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].Workflows)
}

func TestSnapshot_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshot_RequiresName(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.SaveSnapshot(context.Background(), "", sampleReport(t)))
}

func TestListSnapshots_Totals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, "a", sampleReport(t)))

	list, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	info := list[0]
	assert.Equal(t, "a", info.Name)
	assert.Equal(t, 1, info.Workflows)
	assert.Equal(t, 3, info.TotalNodes)
	assert.Equal(t, 2, info.ExecutedNodes)
	assert.Equal(t, 2, info.TotalConnections)
	assert.Equal(t, 1, info.ExecutedConnections)
}
