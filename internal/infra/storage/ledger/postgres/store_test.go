package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvest-armada/internal/domain/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

func setupLedgerTest(t *testing.T) (context.Context, *Store, func()) {
	t.Helper()

	ctx := context.Background()
	pool, containerCleanup := storage.SetupTestContainer(t)
	store := NewStore(pool, storage.NoOpTracer())

	cleanup := func() {
		if _, err := pool.Exec(ctx, "DELETE FROM processing_ledger"); err != nil {
			t.Logf("Failed to clean up processing_ledger table: %v", err)
		}
		containerCleanup()
	}
	return ctx, store, cleanup
}

func TestStore_PutKeepsNewestRun(t *testing.T) {
	t.Parallel()
	ctx, s, cleanup := setupLedgerTest(t)
	defer cleanup()

	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	newer := ledger.Entry{
		DatasetID:    "ds",
		RecordID:     "r",
		TaskID:       2,
		Topology:     "oai_harvest",
		Outcome:      task.OutcomeSuccess,
		Revision:     "r2",
		LastModified: base.Add(time.Hour),
		RunAt:        base.Add(2 * time.Hour),
	}
	older := ledger.Entry{
		DatasetID:    "ds",
		RecordID:     "r",
		TaskID:       1,
		Outcome:      task.OutcomeError,
		LastModified: base,
		RunAt:        base,
	}

	written, err := s.Put(ctx, newer)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.Put(ctx, older)
	require.NoError(t, err)
	assert.False(t, written)

	written, err = s.Put(ctx, newer)
	require.NoError(t, err)
	assert.False(t, written, "an equal run does not rewrite the entry")

	got, err := s.Get(ctx, "ds", "r")
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	_, err = s.Get(ctx, "ds", "other")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestStore_DeleteByTask(t *testing.T) {
	t.Parallel()
	ctx, s, cleanup := setupLedgerTest(t)
	defer cleanup()

	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, rec := range []string{"a", "b", "c"} {
		owner := task.ID(1)
		if i == 2 {
			owner = 2
		}
		_, err := s.Put(ctx, ledger.Entry{
			DatasetID: "ds", RecordID: rec, TaskID: owner,
			Outcome: task.OutcomeSuccess, LastModified: at, RunAt: at,
		})
		require.NoError(t, err)
	}

	n, err := s.DeleteByTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Get(ctx, "ds", "c")
	assert.NoError(t, err)
}
