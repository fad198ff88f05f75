package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

var _ task.NotificationRepository = (*NotificationStore)(nil)

// NotificationStore is the PostgreSQL implementation of
// task.NotificationRepository.
type NotificationStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewNotificationStore creates a NotificationStore on pool.
func NewNotificationStore(pool *pgxpool.Pool, tracer trace.Tracer) *NotificationStore {
	return &NotificationStore{pool: pool, tracer: tracer}
}

const appendNotificationQuery = `
INSERT INTO notifications (
    task_id, bucket_id, resource_num, event_id, resource, result_resource,
    outcome, phase, stage, ignored, deleted, info, additional_info, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (task_id, bucket_id, resource_num) DO UPDATE SET
    event_id        = EXCLUDED.event_id,
    resource        = EXCLUDED.resource,
    result_resource = EXCLUDED.result_resource,
    outcome         = EXCLUDED.outcome,
    phase           = EXCLUDED.phase,
    stage           = EXCLUDED.stage,
    ignored         = EXCLUDED.ignored,
    deleted         = EXCLUDED.deleted,
    info            = EXCLUDED.info,
    additional_info = EXCLUDED.additional_info,
    recorded_at     = EXCLUDED.recorded_at`

// Append upserts evt into its bucket.
func (s *NotificationStore) Append(ctx context.Context, evt task.NotificationEvent) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("task_id", int64(evt.TaskID)),
		attribute.String("bucket_id", evt.BucketID),
		attribute.Int64("resource_num", evt.ResourceNum),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.notification.append", dbAttrs, func(ctx context.Context) error {
		info := evt.AdditionalInfo
		if info == nil {
			info = map[string]string{}
		}
		raw, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal additional info: %w", err)
		}

		_, err = s.pool.Exec(ctx, appendNotificationQuery,
			int64(evt.TaskID),
			evt.BucketID,
			evt.ResourceNum,
			evt.EventID,
			evt.Resource,
			evt.ResultResource,
			string(evt.Outcome),
			string(evt.Phase),
			evt.Stage,
			evt.Ignored,
			evt.Deleted,
			evt.Info,
			raw,
			evt.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append notification: %w", err)
		}
		return nil
	})
}

const listBucketQuery = `
SELECT task_id, bucket_id, resource_num, event_id, resource, result_resource,
       outcome, phase, stage, ignored, deleted, info, additional_info, recorded_at
FROM notifications
WHERE task_id = $1 AND bucket_id = $2 AND resource_num > $3
ORDER BY resource_num
LIMIT $4`

// ListBucket pages through one bucket by resource number. A non-positive
// limit returns the rest of the bucket.
func (s *NotificationStore) ListBucket(
	ctx context.Context,
	id task.ID,
	bucketID string,
	afterNum int64,
	limit int,
) ([]task.NotificationEvent, error) {
	var out []task.NotificationEvent
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("task_id", int64(id)),
		attribute.String("bucket_id", bucketID),
		attribute.Int64("after_num", afterNum),
		attribute.Int("limit", limit),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.notification.list_bucket", dbAttrs, func(ctx context.Context) error {
		var lim *int64
		if limit > 0 {
			l := int64(limit)
			lim = &l
		}
		rows, err := s.pool.Query(ctx, listBucketQuery, int64(id), bucketID, afterNum, lim)
		if err != nil {
			return fmt.Errorf("failed to list notifications: %w", err)
		}

		out, err = pgx.CollectRows(rows, scanNotification)
		if err != nil {
			return fmt.Errorf("failed to scan notifications: %w", err)
		}
		return nil
	})
	return out, err
}

// DeleteBucket drops every notification of a bucket.
func (s *NotificationStore) DeleteBucket(ctx context.Context, id task.ID, bucketID string) (int64, error) {
	var n int64
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("task_id", int64(id)),
		attribute.String("bucket_id", bucketID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.notification.delete_bucket", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE task_id = $1 AND bucket_id = $2`, int64(id), bucketID)
		if err != nil {
			return fmt.Errorf("failed to delete notification bucket: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func scanNotification(row pgx.CollectableRow) (task.NotificationEvent, error) {
	var (
		evt            task.NotificationEvent
		taskID         int64
		outcome, phase string
		info           []byte
		recordedAt     time.Time
	)
	if err := row.Scan(
		&taskID,
		&evt.BucketID,
		&evt.ResourceNum,
		&evt.EventID,
		&evt.Resource,
		&evt.ResultResource,
		&outcome,
		&phase,
		&evt.Stage,
		&evt.Ignored,
		&evt.Deleted,
		&evt.Info,
		&info,
		&recordedAt,
	); err != nil {
		return task.NotificationEvent{}, err
	}

	evt.TaskID = task.ID(taskID)
	evt.Outcome = task.Outcome(outcome)
	evt.Phase = task.Phase(phase)
	evt.RecordedAt = recordedAt.UTC()
	if err := json.Unmarshal(info, &evt.AdditionalInfo); err != nil {
		return task.NotificationEvent{}, err
	}
	if len(evt.AdditionalInfo) == 0 {
		evt.AdditionalInfo = nil
	}
	return evt, nil
}
