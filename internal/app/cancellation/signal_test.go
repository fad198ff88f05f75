package cancellation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage/killflag/memory"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

func newSignal(store task.KillFlagRepository, clock timeutil.Provider) *Signal {
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}, logger.Noop())
	return NewSignal(store, Config{CacheSize: 16, TTL: time.Second}, exec, clock, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestSignal_RequestVisibleLocallyWithoutStorageRead(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sig := newSignal(store, clock)

	require.NoError(t, sig.Request(ctx, 42, "operator request"))

	set, err := sig.IsSet(ctx, 42)
	require.NoError(t, err)
	assert.True(t, set)
	assert.Zero(t, store.Reads())
}

func TestSignal_RemoteKillVisibleAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	worker := newSignal(store, clock)
	controller := newSignal(store, clock)

	set, err := worker.IsSet(ctx, 7)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, controller.Request(ctx, 7, "killed"))

	// Still within the TTL of the cached negative answer.
	set, err = worker.IsSet(ctx, 7)
	require.NoError(t, err)
	assert.False(t, set)
	assert.Equal(t, int64(1), store.Reads())

	clock.Advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		set, err = worker.IsSet(ctx, 7)
		require.NoError(t, err)
		assert.True(t, set)
	}
	assert.Equal(t, int64(2), store.Reads(), "positive answers are served from cache")
}

func TestSignal_FlagIsNeverReset(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clock := timeutil.NewMock(time.Now())
	sig := newSignal(store, clock)

	require.NoError(t, sig.Request(ctx, 1, "first"))
	require.NoError(t, sig.Request(ctx, 1, "second"))

	clock.Advance(2 * setFlagTTL)
	set, err := sig.IsSet(ctx, 1)
	require.NoError(t, err)
	assert.True(t, set)
}

type failingFlags struct {
	task.KillFlagRepository
	calls int
}

func (f *failingFlags) IsSet(context.Context, task.ID) (bool, error) {
	f.calls++
	return false, errors.New("store unavailable")
}

func TestSignal_IsSetRetriesThenFails(t *testing.T) {
	flags := &failingFlags{}
	sig := newSignal(flags, timeutil.NewMock(time.Now()))

	_, err := sig.IsSet(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Equal(t, 2, flags.calls)
}

func TestSignal_Delete(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sig := newSignal(store, timeutil.NewMock(time.Now()))

	require.NoError(t, sig.Request(ctx, 5, "killed"))
	require.NoError(t, sig.Delete(ctx, 5))

	set, err := sig.IsSet(ctx, 5)
	require.NoError(t, err)
	assert.False(t, set)
	assert.Equal(t, int64(1), store.Reads())
}
