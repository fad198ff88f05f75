// Package cancellation implements the cooperative, eventually visible kill
// flag checked by every pipeline stage.
package cancellation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
	"github.com/ahrav/harvest-armada/pkg/common/ttlcache"
)

const (
	defaultCacheSize = 4096
	defaultTTL       = 5 * time.Second

	// A set flag is never cleared, so positive answers may be kept much
	// longer than negative ones.
	setFlagTTL = time.Hour
)

// Config tunes the per-process flag cache.
type Config struct {
	CacheSize int
	TTL       time.Duration
}

// Signal answers "has this task been killed" for the local process. Reads are
// served from a bounded cache; negative answers expire after TTL so a kill
// requested by another process becomes visible within that window.
type Signal struct {
	flags task.KillFlagRepository
	cache *ttlcache.Cache[task.ID, bool]
	retry *retry.Executor
	clock timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSignal creates a Signal over flags. Every storage call goes through
// exec.
func NewSignal(
	flags task.KillFlagRepository,
	cfg Config,
	exec *retry.Executor,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Signal {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Signal{
		flags:  flags,
		cache:  ttlcache.New[task.ID, bool](cfg.CacheSize, cfg.TTL, clock),
		retry:  exec,
		clock:  clock,
		logger: log.With("component", "cancellation_signal"),
		tracer: tracer,
	}
}

// Request persists the kill flag for id. Subsequent IsSet calls in this
// process observe it immediately.
func (s *Signal) Request(ctx context.Context, id task.ID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "cancellation.request",
		trace.WithAttributes(attribute.Int64("task_id", int64(id))))
	defer span.End()

	flag := task.KillFlag{TaskID: id, Reason: reason, RequestedAt: s.clock.Now()}
	err := s.retry.Execute(ctx, "kill_flag.set", func(ctx context.Context) error {
		return s.flags.Set(ctx, flag)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set kill flag for task %d: %w", id, err)
	}

	s.cache.AddWithTTL(id, true, setFlagTTL)
	s.logger.Info(ctx, "kill flag set", "task_id", id, "reason", reason)
	return nil
}

// IsSet reports whether id has been killed.
func (s *Signal) IsSet(ctx context.Context, id task.ID) (bool, error) {
	if set, ok := s.cache.Get(id); ok {
		return set, nil
	}

	set, err := retry.Do(ctx, s.retry, "kill_flag.get", func(ctx context.Context) (bool, error) {
		return s.flags.IsSet(ctx, id)
	})
	if err != nil {
		return false, fmt.Errorf("failed to read kill flag for task %d: %w", id, err)
	}

	if set {
		s.cache.AddWithTTL(id, true, setFlagTTL)
	} else {
		s.cache.Add(id, false)
	}
	return set, nil
}

// Delete removes the flag of a deleted task and its cached answer.
func (s *Signal) Delete(ctx context.Context, id task.ID) error {
	err := s.retry.Execute(ctx, "kill_flag.delete", func(ctx context.Context) error {
		return s.flags.Delete(ctx, id)
	})
	s.cache.Remove(id)
	if err != nil {
		return fmt.Errorf("failed to delete kill flag for task %d: %w", id, err)
	}
	return nil
}
