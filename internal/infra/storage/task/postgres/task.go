package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

var _ task.Repository = (*TaskStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

const (
	// maxIDAttempts bounds how many sequence values NextID skips over when
	// they collide with caller-assigned ids.
	maxIDAttempts = 64

	// counterSlots is the number of counter rows per notification bucket.
	// Events pick a slot by resource number.
	counterSlots = 16
)

// TaskStore is the PostgreSQL implementation of task.Repository. Outcome
// counters live in task_counters, one row per (bucket, slot), and progress
// is their sum. Counter changes and transitions run in a single statement
// or transaction so concurrent registries never lose an update.
type TaskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a TaskStore on pool.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *TaskStore {
	return &TaskStore{pool: pool, tracer: tracer}
}

const nextIDQuery = `
SELECT s.id FROM (SELECT nextval('task_id_seq') AS id) s
WHERE NOT EXISTS (SELECT 1 FROM tasks t WHERE t.id = s.id)`

// NextID reserves a system-assigned task id.
func (s *TaskStore) NextID(ctx context.Context) (task.ID, error) {
	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.next_id", defaultDBAttributes, func(ctx context.Context) error {
		for range maxIDAttempts {
			err := s.pool.QueryRow(ctx, nextIDQuery).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to reserve task id: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to reserve task id after %d attempts", maxIDAttempts)
	})
	return task.ID(id), err
}

const (
	insertTaskQuery = `
INSERT INTO tasks (
    id, name, topology, parameters, harvest, expected_count,
    revision_name, revision_timestamp, output_channel, result_destination,
    post_processing, defer_count_resolution, submitted_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	insertProgressQuery = `
INSERT INTO task_progress (
    task_id, state, description, expected, post_expected, sent_at, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	addCountersQuery = `
INSERT INTO task_counters (
    task_id, bucket_id, slot, processed, deleted, ignored,
    processed_errors, deleted_errors, post_processed
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (task_id, bucket_id, slot) DO UPDATE SET
    processed        = task_counters.processed + EXCLUDED.processed,
    deleted          = task_counters.deleted + EXCLUDED.deleted,
    ignored          = task_counters.ignored + EXCLUDED.ignored,
    processed_errors = task_counters.processed_errors + EXCLUDED.processed_errors,
    deleted_errors   = task_counters.deleted_errors + EXCLUDED.deleted_errors,
    post_processed   = task_counters.post_processed + EXCLUDED.post_processed`
)

// Create stores def with its initial progress.
func (s *TaskStore) Create(ctx context.Context, def *task.Definition, p task.Progress) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(def.ID())))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.create", dbAttrs, func(ctx context.Context) error {
		spec := def.Spec()
		params, err := json.Marshal(spec.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal task parameters: %w", err)
		}
		harvest, err := json.Marshal(spec.Harvest)
		if err != nil {
			return fmt.Errorf("failed to marshal harvest details: %w", err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, insertTaskQuery,
				int64(spec.ID),
				spec.Name,
				spec.Topology,
				params,
				harvest,
				spec.ExpectedCount,
				spec.OutputRevision.Name,
				nullTime(spec.OutputRevision.Timestamp),
				spec.Routing.OutputChannel,
				spec.Routing.ResultDestination,
				spec.PostProcessing,
				spec.DeferCountResolution,
				def.SubmittedAt(),
			); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertProgressQuery,
				int64(p.TaskID),
				string(p.State),
				p.Description,
				p.Counters.Expected,
				p.Counters.PostExpected,
				p.SentAt,
				nullTime(p.StartedAt),
				nullTime(p.FinishedAt),
			); err != nil {
				return err
			}
			initial := task.Delta{
				Processed:       p.Counters.Processed,
				Deleted:         p.Counters.Deleted,
				Ignored:         p.Counters.Ignored,
				ProcessedErrors: p.Counters.ProcessedErrors,
				DeletedErrors:   p.Counters.DeletedErrors,
				PostProcessed:   p.Counters.PostProcessed,
			}
			if initial.IsZero() {
				return nil
			}
			return addCounters(ctx, tx, p.TaskID, "", 0, initial)
		})
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("task %d: %w", def.ID(), task.ErrTaskExists)
		}
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		return nil
	})
}

const getDefinitionQuery = `
SELECT id, name, topology, parameters, harvest, expected_count,
       revision_name, revision_timestamp, output_channel, result_destination,
       post_processing, defer_count_resolution, submitted_at
FROM tasks WHERE id = $1`

// GetDefinition loads the definition of id.
func (s *TaskStore) GetDefinition(ctx context.Context, id task.ID) (*task.Definition, error) {
	var def *task.Definition
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(id)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.get_definition", dbAttrs, func(ctx context.Context) error {
		var (
			spec         task.DefinitionSpec
			rawID        int64
			params, harv []byte
			revisionTime *time.Time
			submittedAt  time.Time
		)
		err := s.pool.QueryRow(ctx, getDefinitionQuery, int64(id)).Scan(
			&rawID,
			&spec.Name,
			&spec.Topology,
			&params,
			&harv,
			&spec.ExpectedCount,
			&spec.OutputRevision.Name,
			&revisionTime,
			&spec.Routing.OutputChannel,
			&spec.Routing.ResultDestination,
			&spec.PostProcessing,
			&spec.DeferCountResolution,
			&submittedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return task.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get task definition: %w", err)
		}

		spec.ID = task.ID(rawID)
		if revisionTime != nil {
			spec.OutputRevision.Timestamp = revisionTime.UTC()
		}
		if err := json.Unmarshal(params, &spec.Parameters); err != nil {
			return fmt.Errorf("failed to unmarshal task parameters: %w", err)
		}
		if err := json.Unmarshal(harv, &spec.Harvest); err != nil {
			return fmt.Errorf("failed to unmarshal harvest details: %w", err)
		}
		def = task.ReconstructDefinition(spec, submittedAt.UTC())
		return nil
	})
	return def, err
}

const progressQuery = `
SELECT p.task_id, p.state, p.description, p.expected,
       COALESCE(SUM(c.processed), 0)::bigint,
       COALESCE(SUM(c.deleted), 0)::bigint,
       COALESCE(SUM(c.ignored), 0)::bigint,
       COALESCE(SUM(c.processed_errors), 0)::bigint,
       COALESCE(SUM(c.deleted_errors), 0)::bigint,
       p.post_expected,
       COALESCE(SUM(c.post_processed), 0)::bigint,
       p.sent_at, p.started_at, p.finished_at
FROM task_progress p
LEFT JOIN task_counters c ON c.task_id = p.task_id
WHERE p.task_id = $1
GROUP BY p.task_id`

// GetProgress loads the progress of id, summing its counter rows.
func (s *TaskStore) GetProgress(ctx context.Context, id task.ID) (task.Progress, error) {
	var p task.Progress
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(id)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.get_progress", dbAttrs, func(ctx context.Context) error {
		var err error
		p, err = scanProgress(s.pool.QueryRow(ctx, progressQuery, int64(id)))
		return err
	})
	return p, err
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func addCounters(ctx context.Context, q querier, id task.ID, bucketID string, slot int16, d task.Delta) error {
	_, err := q.Exec(ctx, addCountersQuery,
		int64(id),
		bucketID,
		slot,
		d.Processed,
		d.Deleted,
		d.Ignored,
		d.ProcessedErrors,
		d.DeletedErrors,
		d.PostProcessed,
	)
	if err != nil {
		return fmt.Errorf("failed to add task counters: %w", err)
	}
	return nil
}

const (
	reserveEventQuery = `
WITH ins AS (
    INSERT INTO task_event_receipts (task_id, event_id, resource_num)
    VALUES ($1, $2, nextval('notification_resource_seq'))
    ON CONFLICT (task_id, event_id) DO NOTHING
    RETURNING resource_num, bucket_id, applied
)
SELECT resource_num, bucket_id, applied FROM ins
UNION ALL
SELECT resource_num, bucket_id, applied FROM task_event_receipts
WHERE task_id = $1 AND event_id = $2
LIMIT 1`

	getReceiptQuery = `
SELECT resource_num, bucket_id, applied FROM task_event_receipts
WHERE task_id = $1 AND event_id = $2`

	swapBucketQuery = `
UPDATE task_event_receipts SET bucket_id = $4
WHERE task_id = $1 AND event_id = $2 AND bucket_id = $3 AND NOT applied
RETURNING bucket_id`

	markAppliedQuery = `
UPDATE task_event_receipts SET applied = TRUE
WHERE task_id = $1 AND event_id = $2 AND NOT applied
RETURNING resource_num, bucket_id`
)

func eventAttrs(id task.ID, eventID uuid.UUID) []attribute.KeyValue {
	return append(defaultDBAttributes,
		attribute.Int64("task_id", int64(id)),
		attribute.String("event_id", eventID.String()),
	)
}

// ReserveEvent inserts the receipt of eventID, drawing its resource number
// from a global sequence, or returns the receipt already stored.
func (s *TaskStore) ReserveEvent(ctx context.Context, id task.ID, eventID uuid.UUID) (task.EventReceipt, error) {
	var r task.EventReceipt
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.reserve_event", eventAttrs(id, eventID), func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, reserveEventQuery, int64(id), eventID).Scan(&r.ResourceNum, &r.BucketID, &r.Applied)
		if errors.Is(err, pgx.ErrNoRows) {
			// The conflicting insert committed after this statement's snapshot.
			err = s.pool.QueryRow(ctx, getReceiptQuery, int64(id), eventID).Scan(&r.ResourceNum, &r.BucketID, &r.Applied)
		}
		switch {
		case storage.IsForeignKeyViolation(err):
			return task.ErrTaskNotFound
		case err != nil:
			return fmt.Errorf("failed to reserve event: %w", err)
		}
		return nil
	})
	return r, err
}

// SwapEventBucket compares and sets the bucket of an unapplied receipt.
func (s *TaskStore) SwapEventBucket(
	ctx context.Context,
	id task.ID,
	eventID uuid.UUID,
	expected, bucketID string,
) (string, error) {
	var held string
	dbAttrs := append(eventAttrs(id, eventID), attribute.String("bucket_id", bucketID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.swap_event_bucket", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, swapBucketQuery, int64(id), eventID, expected, bucketID).Scan(&held)
		if !errors.Is(err, pgx.ErrNoRows) {
			if err != nil {
				return fmt.Errorf("failed to set event bucket: %w", err)
			}
			return nil
		}

		var r task.EventReceipt
		err = s.pool.QueryRow(ctx, getReceiptQuery, int64(id), eventID).Scan(&r.ResourceNum, &r.BucketID, &r.Applied)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missingReceipt(ctx, s.pool, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get event receipt: %w", err)
		}
		held = r.BucketID
		return nil
	})
	return held, err
}

// ApplyEvent marks the receipt applied and adds delta to the counter slot
// of the receipt's bucket in one transaction. The row lock taken by the
// receipt update makes concurrent redeliveries observe ErrDuplicateEvent.
func (s *TaskStore) ApplyEvent(ctx context.Context, id task.ID, eventID uuid.UUID, delta task.Delta) (task.Progress, error) {
	var p task.Progress
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.apply_event", eventAttrs(id, eventID), func(ctx context.Context) error {
		duplicate := false
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var (
				num      int64
				bucketID string
			)
			err := tx.QueryRow(ctx, markAppliedQuery, int64(id), eventID).Scan(&num, &bucketID)
			if errors.Is(err, pgx.ErrNoRows) {
				var applied bool
				err = tx.QueryRow(ctx, `SELECT applied FROM task_event_receipts WHERE task_id = $1 AND event_id = $2`,
					int64(id), eventID).Scan(&applied)
				if errors.Is(err, pgx.ErrNoRows) {
					return s.missingReceipt(ctx, tx, id)
				}
				if err != nil {
					return err
				}
				duplicate = true
				p, err = scanProgress(tx.QueryRow(ctx, progressQuery, int64(id)))
				return err
			}
			if err != nil {
				return err
			}

			if !delta.IsZero() {
				if err := addCounters(ctx, tx, id, bucketID, int16(num%counterSlots), delta); err != nil {
					return err
				}
			}
			p, err = scanProgress(tx.QueryRow(ctx, progressQuery, int64(id)))
			return err
		})
		switch {
		case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, task.ErrEventNotReserved):
			return err
		case err != nil:
			return fmt.Errorf("failed to apply event: %w", err)
		case duplicate:
			return fmt.Errorf("event %s: %w", eventID, task.ErrDuplicateEvent)
		}
		return nil
	})
	return p, err
}

// missingReceipt tells a deleted task apart from an event never reserved.
func (s *TaskStore) missingReceipt(ctx context.Context, q querier, id task.ID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, int64(id)).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if !exists {
		return task.ErrTaskNotFound
	}
	return task.ErrEventNotReserved
}

const updateStateQuery = `
UPDATE task_progress SET state = $2, description = $3, started_at = $4, finished_at = $5
WHERE task_id = $1`

// Transition locks the progress row, validates the move against the task
// lifecycle and writes it back.
func (s *TaskStore) Transition(
	ctx context.Context,
	id task.ID,
	from []task.State,
	target task.State,
	description string,
	at time.Time,
) (bool, error) {
	moved := false
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("task_id", int64(id)),
		attribute.String("target_state", string(target)),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.transition", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var locked string
			err := tx.QueryRow(ctx, `SELECT state FROM task_progress WHERE task_id = $1 FOR UPDATE`, int64(id)).Scan(&locked)
			if errors.Is(err, pgx.ErrNoRows) {
				return task.ErrTaskNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to lock task progress: %w", err)
			}
			p, err := scanProgress(tx.QueryRow(ctx, progressQuery, int64(id)))
			if err != nil {
				return err
			}
			allowed := false
			for _, st := range from {
				if p.State == st {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil
			}
			if err := p.Transition(target, description, at); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, updateStateQuery,
				int64(id),
				string(p.State),
				p.Description,
				nullTime(p.StartedAt),
				nullTime(p.FinishedAt),
			); err != nil {
				return fmt.Errorf("failed to update task state: %w", err)
			}
			moved = true
			return nil
		})
	})
	return moved, err
}

const setExpectedQuery = `
UPDATE task_progress SET
    expected      = $2,
    post_expected = CASE WHEN $3::bigint >= 0 THEN $3::bigint ELSE post_expected END
WHERE task_id = $1`

// SetExpected overwrites the expected counters.
func (s *TaskStore) SetExpected(ctx context.Context, id task.ID, expected, postExpected int64) (task.Progress, error) {
	var p task.Progress
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("task_id", int64(id)),
		attribute.Int64("expected", expected),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.set_expected", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, setExpectedQuery, int64(id), expected, postExpected)
			if err != nil {
				return fmt.Errorf("failed to set expected count: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return task.ErrTaskNotFound
			}
			p, err = scanProgress(tx.QueryRow(ctx, progressQuery, int64(id)))
			return err
		})
	})
	return p, err
}

// Delete removes the task. Progress, counters and receipts go with it by
// cascade.
func (s *TaskStore) Delete(ctx context.Context, id task.ID) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(id)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task.delete", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, int64(id))
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return task.ErrTaskNotFound
		}
		return nil
	})
}

func scanProgress(row pgx.Row) (task.Progress, error) {
	var (
		p                 task.Progress
		id                int64
		state             string
		started, finished *time.Time
	)
	err := row.Scan(
		&id,
		&state,
		&p.Description,
		&p.Counters.Expected,
		&p.Counters.Processed,
		&p.Counters.Deleted,
		&p.Counters.Ignored,
		&p.Counters.ProcessedErrors,
		&p.Counters.DeletedErrors,
		&p.Counters.PostExpected,
		&p.Counters.PostProcessed,
		&p.SentAt,
		&started,
		&finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Progress{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.Progress{}, fmt.Errorf("failed to scan task progress: %w", err)
	}

	p.TaskID = task.ID(id)
	p.State = task.State(state)
	p.SentAt = p.SentAt.UTC()
	if started != nil {
		p.StartedAt = started.UTC()
	}
	if finished != nil {
		p.FinishedAt = finished.UTC()
	}
	return p, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
