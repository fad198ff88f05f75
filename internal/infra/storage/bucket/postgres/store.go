// Package postgres provides a bucket.Store backed by PostgreSQL. Changes to
// one object are serialized with a transaction scoped advisory lock.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

var _ bucket.Store = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// Store is the PostgreSQL bucket.Store.
type Store struct {
	pool *pgxpool.Pool

	ceiling int64
	ids     bucket.IDGenerator
	clock   timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewStore creates a store that opens a new bucket once the current one
// holds ceiling rows.
func NewStore(
	pool *pgxpool.Pool,
	ceiling int64,
	ids bucket.IDGenerator,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Store {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Store{
		pool:    pool,
		ceiling: ceiling,
		ids:     ids,
		clock:   clock,
		logger:  log.With("component", "bucket_store", "backend", "postgres"),
		tracer:  tracer,
	}
}

const (
	lockObjectQuery    = `SELECT pg_advisory_xact_lock(hashtext($1))`
	currentBucketQuery = `
SELECT bucket_id, rows_count FROM buckets
WHERE object_id = $1
ORDER BY bucket_id DESC
LIMIT 1`
)

func (s *Store) CurrentBucket(ctx context.Context, objectID string) (bucket.Bucket, bool, error) {
	var (
		b     bucket.Bucket
		found bool
	)
	dbAttrs := append(defaultDBAttributes, attribute.String("object_id", objectID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.bucket.current", dbAttrs, func(ctx context.Context) error {
		var err error
		b, found, err = queryBucket(ctx, s.pool, objectID, currentBucketQuery, objectID)
		return err
	})
	return b, found, err
}

func (s *Store) Increment(ctx context.Context, objectID string) (bucket.Bucket, error) {
	var b bucket.Bucket
	dbAttrs := append(defaultDBAttributes, attribute.String("object_id", objectID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.bucket.increment", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, lockObjectQuery, objectID); err != nil {
				return fmt.Errorf("failed to lock object %s: %w", objectID, err)
			}
			cur, ok, err := queryBucket(ctx, tx, objectID, currentBucketQuery, objectID)
			if err != nil {
				return err
			}

			if ok && cur.Rows < s.ceiling {
				_, err := tx.Exec(ctx,
					`UPDATE buckets SET rows_count = rows_count + 1 WHERE object_id = $1 AND bucket_id = $2`,
					objectID, cur.ID)
				if err != nil {
					return fmt.Errorf("failed to increment bucket: %w", err)
				}
				b = cur
				b.Rows++
				return nil
			}

			next := bucket.Bucket{ObjectID: objectID, ID: s.ids.NewID(s.clock.Now()), Rows: 1}
			if ok && next.ID <= cur.ID {
				return fmt.Errorf("bucket id %s does not sort after %s", next.ID, cur.ID)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO buckets (object_id, bucket_id, rows_count) VALUES ($1, $2, 1)`,
				objectID, next.ID); err != nil {
				return fmt.Errorf("failed to open bucket: %w", err)
			}
			b = next
			return nil
		})
	})
	return b, err
}

func (s *Store) Decrement(ctx context.Context, objectID string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("object_id", objectID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.bucket.decrement", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, lockObjectQuery, objectID); err != nil {
				return fmt.Errorf("failed to lock object %s: %w", objectID, err)
			}
			cur, ok, err := queryBucket(ctx, tx, objectID, currentBucketQuery, objectID)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Warn(ctx, "decrement on object without buckets ignored", "object_id", objectID)
				return nil
			}
			return decrement(ctx, tx, cur, 1)
		})
	})
}

func (s *Store) DecrementBucket(ctx context.Context, objectID, bucketID string, n int64) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("object_id", objectID),
		attribute.String("bucket_id", bucketID),
		attribute.Int64("n", n),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.bucket.decrement_bucket", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, lockObjectQuery, objectID); err != nil {
				return fmt.Errorf("failed to lock object %s: %w", objectID, err)
			}
			b, ok, err := queryBucket(ctx, tx, objectID,
				`SELECT bucket_id, rows_count FROM buckets WHERE object_id = $1 AND bucket_id = $2`,
				objectID, bucketID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("object %s bucket %s: %w", objectID, bucketID, bucket.ErrBucketNotFound)
			}
			return decrement(ctx, tx, b, n)
		})
	})
}

// decrement removes n rows from b, deleting it once empty.
func decrement(ctx context.Context, tx pgx.Tx, b bucket.Bucket, n int64) error {
	var err error
	if b.Rows-n > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE buckets SET rows_count = rows_count - $3 WHERE object_id = $1 AND bucket_id = $2`,
			b.ObjectID, b.ID, n)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM buckets WHERE object_id = $1 AND bucket_id = $2`, b.ObjectID, b.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to decrement bucket %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) AllBuckets(_ context.Context, objectID, fromID string) bucket.Iterator {
	return bucket.NewNavIterator(s, objectID, fromID)
}

func (s *Store) NextBucket(ctx context.Context, objectID, afterID string) (bucket.Bucket, bool, error) {
	var (
		b     bucket.Bucket
		found bool
	)
	dbAttrs := append(defaultDBAttributes,
		attribute.String("object_id", objectID),
		attribute.String("after_id", afterID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.bucket.next", dbAttrs, func(ctx context.Context) error {
		var err error
		b, found, err = queryBucket(ctx, s.pool, objectID, `
SELECT bucket_id, rows_count FROM buckets
WHERE object_id = $1 AND bucket_id > $2
ORDER BY bucket_id
LIMIT 1`, objectID, afterID)
		return err
	})
	return b, found, err
}

// PreviousBucket treats an empty beforeID as "after the last bucket".
func (s *Store) PreviousBucket(ctx context.Context, objectID, beforeID string) (bucket.Bucket, bool, error) {
	var (
		b     bucket.Bucket
		found bool
	)
	dbAttrs := append(defaultDBAttributes,
		attribute.String("object_id", objectID),
		attribute.String("before_id", beforeID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.bucket.previous", dbAttrs, func(ctx context.Context) error {
		var err error
		if beforeID == "" {
			b, found, err = queryBucket(ctx, s.pool, objectID, currentBucketQuery, objectID)
			return err
		}
		b, found, err = queryBucket(ctx, s.pool, objectID, `
SELECT bucket_id, rows_count FROM buckets
WHERE object_id = $1 AND bucket_id < $2
ORDER BY bucket_id DESC
LIMIT 1`, objectID, beforeID)
		return err
	})
	return b, found, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryBucket(ctx context.Context, q querier, objectID, sql string, args ...any) (bucket.Bucket, bool, error) {
	b := bucket.Bucket{ObjectID: objectID}
	err := q.QueryRow(ctx, sql, args...).Scan(&b.ID, &b.Rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return bucket.Bucket{}, false, nil
	}
	if err != nil {
		return bucket.Bucket{}, false, fmt.Errorf("failed to query bucket: %w", err)
	}
	return b, true, nil
}
