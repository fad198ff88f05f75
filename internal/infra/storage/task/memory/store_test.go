package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

func createTask(t *testing.T, s *TaskStore, expected int64) task.ID {
	t.Helper()
	ctx := context.Background()

	id, err := s.NextID(ctx)
	require.NoError(t, err)
	def := task.ReconstructDefinition(task.DefinitionSpec{
		ID: id, Name: "t", Topology: "oai", ExpectedCount: expected,
		Routing: task.Routing{OutputChannel: "work"},
	}, time.Now())
	require.NoError(t, s.Create(ctx, def, task.NewProgress(id, expected, time.Now())))
	return id
}

func TestTaskStore_EventReceiptLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	id := createTask(t, s, 2)

	evt := uuid.New()
	r, err := s.ReserveEvent(ctx, id, evt)
	require.NoError(t, err)
	assert.Equal(t, task.EventReceipt{ResourceNum: 1}, r)

	again, err := s.ReserveEvent(ctx, id, evt)
	require.NoError(t, err)
	assert.Equal(t, r, again, "reserving twice returns the stored receipt")

	got, err := s.SwapEventBucket(ctx, id, evt, "", "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got)
	got, err = s.SwapEventBucket(ctx, id, evt, "", "b2")
	require.NoError(t, err)
	assert.Equal(t, "b1", got, "a held bucket is only replaced when expected")

	p, err := s.ApplyEvent(ctx, id, evt, task.Delta{Processed: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Counters.Processed)

	_, err = s.ApplyEvent(ctx, id, evt, task.Delta{Processed: 1})
	assert.ErrorIs(t, err, task.ErrDuplicateEvent)

	r, err = s.ReserveEvent(ctx, id, evt)
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.Equal(t, "b1", r.BucketID)

	got, err = s.SwapEventBucket(ctx, id, evt, "b1", "")
	require.NoError(t, err)
	assert.Equal(t, "b1", got, "an applied receipt keeps its bucket")

	other, err := s.ReserveEvent(ctx, id, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(2), other.ResourceNum)

	_, err = s.ApplyEvent(ctx, id, uuid.New(), task.Delta{Processed: 1})
	assert.ErrorIs(t, err, task.ErrEventNotReserved)

	p, err = s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Counters.Processed)
}

func TestTaskStore_TransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	id := createTask(t, s, 1)

	ok, err := s.Transition(ctx, id, []task.State{task.StateQueued}, task.StateProcessing, "", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, id, task.SourcesFor(task.StateProcessed), task.StateProcessed, "done", time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTaskStore_NotFound(t *testing.T) {
	s := NewTaskStore()
	_, err := s.GetProgress(context.Background(), 99)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.GetDefinition(context.Background(), 99)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestNotificationStore_ListBucketPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewNotificationStore()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Append(ctx, task.NotificationEvent{TaskID: 1, BucketID: "b1", ResourceNum: i}))
	}

	page, err := s.ListBucket(ctx, 1, "b1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].ResourceNum)

	page, err = s.ListBucket(ctx, 1, "b1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].ResourceNum)

	n, err := s.DeleteBucket(ctx, 1, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
