package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
)

var _ task.KillFlagRepository = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// Store keeps kill flags in the kill_flags table.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore creates a kill flag Store on pool.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, tracer: tracer}
}

// Set stores flag. The first flag set for a task wins.
func (s *Store) Set(ctx context.Context, flag task.KillFlag) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(flag.TaskID)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.kill_flag.set", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO kill_flags (task_id, reason, requested_at) VALUES ($1, $2, $3)
ON CONFLICT (task_id) DO NOTHING`,
			int64(flag.TaskID), flag.Reason, flag.RequestedAt)
		if err != nil {
			return fmt.Errorf("failed to set kill flag: %w", err)
		}
		return nil
	})
}

func (s *Store) IsSet(ctx context.Context, id task.ID) (bool, error) {
	var set bool
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(id)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.kill_flag.is_set", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM kill_flags WHERE task_id = $1)`, int64(id)).Scan(&set)
		if err != nil {
			return fmt.Errorf("failed to read kill flag: %w", err)
		}
		return nil
	})
	return set, err
}

func (s *Store) Delete(ctx context.Context, id task.ID) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("task_id", int64(id)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.kill_flag.delete", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM kill_flags WHERE task_id = $1`, int64(id)); err != nil {
			return fmt.Errorf("failed to delete kill flag: %w", err)
		}
		return nil
	})
}
