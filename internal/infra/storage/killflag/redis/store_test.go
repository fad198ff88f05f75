package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

func setupRedisTest(t *testing.T) (context.Context, *Store, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	store, err := NewStore(ctx, Config{Address: fmt.Sprintf("%s:%s", host, port.Port())}, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	cleanup := func() {
		_ = store.Close()
		_ = container.Terminate(ctx)
	}
	return ctx, store, cleanup
}

func TestStore_KillFlagLifecycle(t *testing.T) {
	ctx, s, cleanup := setupRedisTest(t)
	defer cleanup()

	set, err := s.IsSet(ctx, 5)
	require.NoError(t, err)
	assert.False(t, set)

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Set(ctx, task.KillFlag{TaskID: 5, Reason: "first", RequestedAt: at}))
	require.NoError(t, s.Set(ctx, task.KillFlag{TaskID: 5, Reason: "second", RequestedAt: at.Add(time.Minute)}))

	flag, ok, err := s.Get(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", flag.Reason)
	assert.True(t, flag.RequestedAt.Equal(at))

	require.NoError(t, s.Delete(ctx, 5))
	set, err = s.IsSet(ctx, 5)
	require.NoError(t, err)
	assert.False(t, set)

	_, ok, err = s.Get(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}
