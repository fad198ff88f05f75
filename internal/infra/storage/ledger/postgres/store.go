package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

var _ ledger.Repository = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// Store keeps the processing ledger in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore creates a ledger Store on pool.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, tracer: tracer}
}

const getEntryQuery = `
SELECT task_id, topology, outcome, detail, revision, last_modified, run_at
FROM processing_ledger
WHERE dataset_id = $1 AND record_id = $2`

// Get loads the entry of one record.
func (s *Store) Get(ctx context.Context, datasetID, recordID string) (ledger.Entry, error) {
	e := ledger.Entry{DatasetID: datasetID, RecordID: recordID}
	dbAttrs := append(defaultDBAttributes,
		attribute.String("dataset_id", datasetID),
		attribute.String("record_id", recordID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ledger.get", dbAttrs, func(ctx context.Context) error {
		var (
			taskID  int64
			outcome string
		)
		err := s.pool.QueryRow(ctx, getEntryQuery, datasetID, recordID).Scan(
			&taskID,
			&e.Topology,
			&outcome,
			&e.Detail,
			&e.Revision,
			&e.LastModified,
			&e.RunAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get ledger entry: %w", err)
		}
		e.TaskID = task.ID(taskID)
		e.Outcome = task.Outcome(outcome)
		e.LastModified = e.LastModified.UTC()
		e.RunAt = e.RunAt.UTC()
		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

// putEntryQuery only replaces an entry written by an older run.
const putEntryQuery = `
INSERT INTO processing_ledger (
    dataset_id, record_id, task_id, topology, outcome, detail, revision, last_modified, run_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (dataset_id, record_id) DO UPDATE SET
    task_id       = EXCLUDED.task_id,
    topology      = EXCLUDED.topology,
    outcome       = EXCLUDED.outcome,
    detail        = EXCLUDED.detail,
    revision      = EXCLUDED.revision,
    last_modified = EXCLUDED.last_modified,
    run_at        = EXCLUDED.run_at
WHERE processing_ledger.run_at < EXCLUDED.run_at`

// Put writes e and reports whether it replaced the stored entry.
func (s *Store) Put(ctx context.Context, e ledger.Entry) (bool, error) {
	written := false
	dbAttrs := append(defaultDBAttributes,
		attribute.String("dataset_id", e.DatasetID),
		attribute.String("record_id", e.RecordID),
		attribute.Int64("task_id", int64(e.TaskID)),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ledger.put", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, putEntryQuery,
			e.DatasetID,
			e.RecordID,
			int64(e.TaskID),
			e.Topology,
			string(e.Outcome),
			e.Detail,
			e.Revision,
			e.LastModified,
			e.RunAt,
		)
		if err != nil {
			return fmt.Errorf("failed to put ledger entry: %w", err)
		}
		written = tag.RowsAffected() > 0
		return nil
	})
	return written, err
}

// DeleteByTask removes every entry written by taskID.
func (s *Store) DeleteByTask(ctx context.Context, taskID task.ID) (int64, error) {
	var n int64
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(taskID)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ledger.delete_by_task", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM processing_ledger WHERE task_id = $1`, int64(taskID))
		if err != nil {
			return fmt.Errorf("failed to delete ledger entries: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
