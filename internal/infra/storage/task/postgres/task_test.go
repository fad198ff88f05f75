package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

// setupTaskTest connects to a migrated test database and returns both stores.
func setupTaskTest(t *testing.T) (context.Context, *pgxpool.Pool, *TaskStore, *NotificationStore, func()) {
	t.Helper()

	ctx := context.Background()
	pool, containerCleanup := storage.SetupTestContainer(t)

	tasks := NewTaskStore(pool, storage.NoOpTracer())
	notifications := NewNotificationStore(pool, storage.NoOpTracer())

	cleanup := func() {
		for _, table := range []string{"notifications", "tasks"} {
			if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
				t.Logf("Failed to clean up %s table: %v", table, err)
			}
		}
		containerCleanup()
	}
	return ctx, pool, tasks, notifications, cleanup
}

func createTestTask(t *testing.T, ctx context.Context, s *TaskStore, expected int64) task.ID {
	t.Helper()

	id, err := s.NextID(ctx)
	require.NoError(t, err)

	submitted := time.Now().UTC().Truncate(time.Microsecond)
	def := task.ReconstructDefinition(task.DefinitionSpec{
		ID:            id,
		Name:          "nightly",
		Topology:      "oai_harvest",
		Parameters:    map[string]string{"source": "oai"},
		ExpectedCount: expected,
		Harvest: task.HarvestDetails{
			Incremental: true,
			DatasetID:   "dataset-1",
			Metadata:    map[string]string{"metadata_prefix": "oai_dc"},
		},
		OutputRevision: task.Revision{Name: "r1", Timestamp: submitted},
		Routing:        task.Routing{OutputChannel: "harvest.work", ResultDestination: "s3://out"},
		PostProcessing: true,
	}, submitted)
	require.NoError(t, s.Create(ctx, def, task.NewProgress(id, expected, submitted)))
	return id
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 3)

	def, err := s.GetDefinition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, def.ID())
	assert.Equal(t, "oai_harvest", def.Topology())
	assert.Equal(t, "oai", def.Parameter("source"))
	assert.Equal(t, "dataset-1", def.Harvest().DatasetID)
	assert.Equal(t, "oai_dc", def.Harvest().Metadata["metadata_prefix"])
	assert.Equal(t, "r1", def.OutputRevision().Name)
	assert.Equal(t, "s3://out", def.Routing().ResultDestination)
	assert.True(t, def.PostProcessing())

	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, p.State)
	assert.Equal(t, int64(3), p.Counters.Expected)
	assert.True(t, p.StartedAt.IsZero())

	err = s.Create(ctx, def, p)
	assert.ErrorIs(t, err, task.ErrTaskExists)
}

func TestTaskStore_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	_, err := s.GetDefinition(ctx, 4242)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.GetProgress(ctx, 4242)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.ReserveEvent(ctx, 4242, uuid.New())
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.ApplyEvent(ctx, 4242, uuid.New(), task.Delta{Processed: 1})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(ctx, 4242), task.ErrTaskNotFound)
}

// recordEvent runs the receipt steps the registry performs for one event.
func recordEvent(t *testing.T, ctx context.Context, s *TaskStore, id task.ID, eventID uuid.UUID, bucketID string, d task.Delta) (task.EventReceipt, task.Progress, error) {
	t.Helper()

	r, err := s.ReserveEvent(ctx, id, eventID)
	require.NoError(t, err)
	held, err := s.SwapEventBucket(ctx, id, eventID, "", bucketID)
	require.NoError(t, err)
	r.BucketID = held
	p, err := s.ApplyEvent(ctx, id, eventID, d)
	return r, p, err
}

func TestTaskStore_EventReceiptLifecycle(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 2)
	evt := uuid.New()

	r, err := s.ReserveEvent(ctx, id, evt)
	require.NoError(t, err)
	assert.Positive(t, r.ResourceNum)
	assert.Empty(t, r.BucketID)
	assert.False(t, r.Applied)

	again, err := s.ReserveEvent(ctx, id, evt)
	require.NoError(t, err)
	assert.Equal(t, r, again)

	_, err = s.ApplyEvent(ctx, id, uuid.New(), task.Delta{Processed: 1})
	assert.ErrorIs(t, err, task.ErrEventNotReserved)

	held, err := s.SwapEventBucket(ctx, id, evt, "", "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", held)
	held, err = s.SwapEventBucket(ctx, id, evt, "", "b2")
	require.NoError(t, err)
	assert.Equal(t, "b1", held)

	p, err := s.ApplyEvent(ctx, id, evt, task.Delta{Processed: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Counters.Processed)

	p, err = s.ApplyEvent(ctx, id, evt, task.Delta{Processed: 1})
	assert.ErrorIs(t, err, task.ErrDuplicateEvent)
	assert.Equal(t, int64(1), p.Counters.Processed)

	held, err = s.SwapEventBucket(ctx, id, evt, "b1", "")
	require.NoError(t, err)
	assert.Equal(t, "b1", held, "an applied receipt keeps its bucket")

	r2, p, err := recordEvent(t, ctx, s, id, uuid.New(), "b2", task.Delta{ProcessedErrors: 1})
	require.NoError(t, err)
	assert.Greater(t, r2.ResourceNum, r.ResourceNum)
	assert.Equal(t, int64(1), p.Counters.ProcessedErrors)
	assert.Equal(t, int64(2), p.Counters.Accounted())
}

func TestTaskStore_CountersArePartitioned(t *testing.T) {
	t.Parallel()
	ctx, pool, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 40)
	for i := range 40 {
		bucketID := "b1"
		if i >= 20 {
			bucketID = "b2"
		}
		_, _, err := recordEvent(t, ctx, s, id, uuid.New(), bucketID, task.Delta{Processed: 1})
		require.NoError(t, err)
	}

	var rows, buckets int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*), count(DISTINCT bucket_id) FROM task_counters WHERE task_id = $1`, int64(id)).Scan(&rows, &buckets))
	assert.Equal(t, 2, buckets)
	assert.Greater(t, rows, 2, "events of one bucket spread over several slots")

	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(40), p.Counters.Processed)
}

func TestTaskStore_ApplyEventConcurrent(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 50)

	var wg sync.WaitGroup
	nums := make([]int64, 50)
	for i := range nums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, err := recordEvent(t, ctx, s, id, uuid.New(), "b1", task.Delta{Processed: 1})
			assert.NoError(t, err)
			nums[i] = r.ResourceNum
		}()
	}
	wg.Wait()

	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Counters.Processed)
	assert.Len(t, uniq(nums), 50, "every event reserves its own resource number")
}

func TestTaskStore_ConcurrentRedeliveryAppliesOnce(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 1)
	evt := uuid.New()
	_, err := s.ReserveEvent(ctx, id, evt)
	require.NoError(t, err)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyEvent(ctx, id, evt, task.Delta{Processed: 1})
			if err == nil {
				applied.Add(1)
				return
			}
			assert.ErrorIs(t, err, task.ErrDuplicateEvent)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())

	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Counters.Processed)
}

func uniq(nums []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(nums))
	for _, n := range nums {
		out[n] = struct{}{}
	}
	return out
}

func TestTaskStore_TransitionSingleWinner(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 1)
	now := time.Now().UTC().Truncate(time.Microsecond)

	moved, err := s.Transition(ctx, id, []task.State{task.StateQueued}, task.StateProcessing, "", now)
	require.NoError(t, err)
	require.True(t, moved)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, id, []task.State{task.StateProcessing}, task.StateProcessed, "done", now)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessed, p.State)
	assert.Equal(t, "done", p.Description)
	assert.True(t, p.StartedAt.Equal(now))
	assert.True(t, p.FinishedAt.Equal(now))
}

func TestTaskStore_SetExpected(t *testing.T) {
	t.Parallel()
	ctx, _, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, -1)

	p, err := s.SetExpected(ctx, id, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Counters.Expected)
	assert.Equal(t, int64(4), p.Counters.PostExpected)

	p, err = s.SetExpected(ctx, id, 12, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), p.Counters.Expected)
	assert.Equal(t, int64(4), p.Counters.PostExpected, "negative post count leaves it unchanged")
}

func TestTaskStore_DeleteCascades(t *testing.T) {
	t.Parallel()
	ctx, pool, s, _, cleanup := setupTaskTest(t)
	defer cleanup()

	id := createTestTask(t, ctx, s, 1)
	_, _, err := recordEvent(t, ctx, s, id, uuid.New(), "b1", task.Delta{Processed: 1})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	var receipts, counters int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM task_event_receipts WHERE task_id = $1`, int64(id)).Scan(&receipts))
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM task_counters WHERE task_id = $1`, int64(id)).Scan(&counters))
	assert.Zero(t, receipts)
	assert.Zero(t, counters)
	_, err = s.GetProgress(ctx, id)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestNotificationStore_Buckets(t *testing.T) {
	t.Parallel()
	ctx, _, _, n, cleanup := setupTaskTest(t)
	defer cleanup()

	recorded := time.Now().UTC().Truncate(time.Microsecond)
	for num := int64(1); num <= 5; num++ {
		evt := task.NewNotification(7, "commit", "rec", task.OutcomeSuccess, "")
		evt.ResourceNum = num
		evt.BucketID = "b1"
		evt.RecordedAt = recorded
		if num == 2 {
			evt.AdditionalInfo = map[string]string{task.InfoRecordLocalID: "local-2"}
		}
		require.NoError(t, n.Append(ctx, evt))
	}

	page, err := n.ListBucket(ctx, 7, "b1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].ResourceNum)
	assert.Equal(t, "local-2", page[0].AdditionalInfo[task.InfoRecordLocalID])
	assert.Equal(t, int64(3), page[1].ResourceNum)
	assert.Nil(t, page[1].AdditionalInfo)

	rest, err := n.ListBucket(ctx, 7, "b1", 3, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	// Same key overwrites.
	over := task.NewNotification(7, "commit", "rec", task.OutcomeError, "boom")
	over.ResourceNum = 5
	over.BucketID = "b1"
	over.RecordedAt = recorded
	require.NoError(t, n.Append(ctx, over))
	last, err := n.ListBucket(ctx, 7, "b1", 4, 0)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, task.OutcomeError, last[0].Outcome)

	removed, err := n.DeleteBucket(ctx, 7, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
	empty, err := n.ListBucket(ctx, 7, "b1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
