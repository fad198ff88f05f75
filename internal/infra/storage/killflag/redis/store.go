// Package redis keeps kill flags in Redis so every worker of a deployment
// observes cancellation without a database round trip.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

var _ task.KillFlagRepository = (*Store)(nil)

// DefaultKeyPrefix namespaces kill flag keys.
const DefaultKeyPrefix = "harvest:kill:"

// Config holds the connection settings of the flag store.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a task.KillFlagRepository on a Redis client. Flags never expire;
// they are removed with the task.
type Store struct {
	client *goredis.Client
	prefix string
	tracer trace.Tracer
}

type flagValue struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewStore connects to Redis and verifies the connection with a ping.
func NewStore(ctx context.Context, cfg Config, tracer trace.Tracer) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return NewStoreFromClient(client, cfg.KeyPrefix, tracer), nil
}

// NewStoreFromClient wraps an existing client.
func NewStoreFromClient(client *goredis.Client, prefix string, tracer trace.Tracer) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix, tracer: tracer}
}

func (s *Store) key(id task.ID) string { return fmt.Sprintf("%s%d", s.prefix, id) }

// Set stores the flag with SETNX so a repeated kill keeps the original.
func (s *Store) Set(ctx context.Context, flag task.KillFlag) error {
	ctx, span := s.startSpan(ctx, "redis.kill_flag.set", flag.TaskID)
	defer span.End()

	raw, err := json.Marshal(flagValue{Reason: flag.Reason, RequestedAt: flag.RequestedAt})
	if err != nil {
		return s.fail(span, fmt.Errorf("failed to marshal kill flag: %w", err))
	}
	if err := s.client.SetNX(ctx, s.key(flag.TaskID), raw, 0).Err(); err != nil {
		return s.fail(span, fmt.Errorf("failed to set kill flag: %w", err))
	}
	return nil
}

func (s *Store) IsSet(ctx context.Context, id task.ID) (bool, error) {
	ctx, span := s.startSpan(ctx, "redis.kill_flag.is_set", id)
	defer span.End()

	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, s.fail(span, fmt.Errorf("failed to read kill flag: %w", err))
	}
	return n > 0, nil
}

// Get returns the stored flag, or false if the task has none.
func (s *Store) Get(ctx context.Context, id task.ID) (task.KillFlag, bool, error) {
	ctx, span := s.startSpan(ctx, "redis.kill_flag.get", id)
	defer span.End()

	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return task.KillFlag{}, false, nil
	}
	if err != nil {
		return task.KillFlag{}, false, s.fail(span, fmt.Errorf("failed to get kill flag: %w", err))
	}
	var v flagValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return task.KillFlag{}, false, s.fail(span, fmt.Errorf("failed to unmarshal kill flag: %w", err))
	}
	return task.KillFlag{TaskID: id, Reason: v.Reason, RequestedAt: v.RequestedAt}, true, nil
}

func (s *Store) Delete(ctx context.Context, id task.ID) error {
	ctx, span := s.startSpan(ctx, "redis.kill_flag.delete", id)
	defer span.End()

	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return s.fail(span, fmt.Errorf("failed to delete kill flag: %w", err))
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) startSpan(ctx context.Context, name string, id task.ID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int64("task_id", int64(id)),
		))
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
