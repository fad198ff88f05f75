package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

func TestStore_KillFlagLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	s := NewStore(pool, storage.NoOpTracer())

	set, err := s.IsSet(ctx, 9)
	require.NoError(t, err)
	assert.False(t, set)

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Set(ctx, task.KillFlag{TaskID: 9, Reason: "first", RequestedAt: at}))
	require.NoError(t, s.Set(ctx, task.KillFlag{TaskID: 9, Reason: "second", RequestedAt: at.Add(time.Hour)}))

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM kill_flags WHERE task_id = 9`).Scan(&reason))
	assert.Equal(t, "first", reason, "the original flag is kept")

	set, err = s.IsSet(ctx, 9)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, s.Delete(ctx, 9))
	set, err = s.IsSet(ctx, 9)
	require.NoError(t, err)
	assert.False(t, set)
}
