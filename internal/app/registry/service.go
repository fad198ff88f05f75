// Package registry implements the task registry: the durable record of each
// task's definition, lifecycle state and aggregate progress counters.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/internal/domain/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
	"github.com/ahrav/harvest-armada/pkg/common/ttlcache"
)

const (
	descProcessing     = "The task is being processed"
	descPostProcessing = "Every record is accounted for, post-processing is in progress"
	descProcessed      = "Completely processed"
)

// CountResolver resolves the expected record count of a task whose
// definition does not carry one.
type CountResolver interface {
	ResolveCount(ctx context.Context, def *task.Definition) (int64, error)
}

// CountResolverFunc adapts a function to CountResolver.
type CountResolverFunc func(ctx context.Context, def *task.Definition) (int64, error)

// ResolveCount implements CountResolver.
func (f CountResolverFunc) ResolveCount(ctx context.Context, def *task.Definition) (int64, error) {
	return f(ctx, def)
}

// KillSwitch persists cancellation requests.
type KillSwitch interface {
	Request(ctx context.Context, id task.ID, reason string) error
	Delete(ctx context.Context, id task.ID) error
}

// Stores groups the repositories the registry writes to.
type Stores struct {
	Tasks         task.Repository
	Notifications task.NotificationRepository
	Buckets       bucket.Store
	Ledger        ledger.Repository
}

// CacheConfig bounds the definition cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// Service is the task registry.
type Service struct {
	tasks         task.Repository
	notifications task.NotificationRepository
	buckets       bucket.Store
	ledger        ledger.Repository

	kill     KillSwitch
	resolver CountResolver
	retry    *retry.Executor
	defs     *ttlcache.Cache[task.ID, *task.Definition]
	clock    timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewService creates a registry. resolver may be nil, in which case
// definitions without an expected count keep task.UnknownCount until
// SetExpected is called.
func NewService(
	stores Stores,
	kill KillSwitch,
	resolver CountResolver,
	exec *retry.Executor,
	cacheCfg CacheConfig,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) *Service {
	if cacheCfg.Size <= 0 {
		cacheCfg.Size = 1024
	}
	if cacheCfg.TTL <= 0 {
		cacheCfg.TTL = 10 * time.Minute
	}
	return &Service{
		tasks:         stores.Tasks,
		notifications: stores.Notifications,
		buckets:       stores.Buckets,
		ledger:        stores.Ledger,
		kill:          kill,
		resolver:      resolver,
		retry:         exec,
		defs:          ttlcache.New[task.ID, *task.Definition](cacheCfg.Size, cacheCfg.TTL, clock),
		clock:         clock,
		logger:        logger.With("component", "task_registry"),
		tracer:        tracer,
		metrics:       metrics,
	}
}

// isFinal reports errors that retrying cannot fix.
func isFinal(err error) bool {
	return errors.Is(err, task.ErrTaskNotFound) ||
		errors.Is(err, task.ErrTaskExists) ||
		errors.Is(err, task.ErrDuplicateEvent) ||
		errors.Is(err, task.ErrEventNotReserved) ||
		errors.Is(err, task.ErrInvalidTransition) ||
		errors.Is(err, bucket.ErrBucketNotFound)
}

// do runs op under the retry policy, failing fast on domain errors.
func (s *Service) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return s.retry.Execute(ctx, name, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && isFinal(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Submit validates and persists a task definition together with its initial
// QUEUED progress, and returns the task id.
//
// A definition that fails validation is rejected without being stored. If
// the expected count cannot be resolved within the retry budget the task is
// stored as DROPPED. Both cases return a *task.SubmissionError.
func (s *Service) Submit(ctx context.Context, spec task.DefinitionSpec) (task.ID, error) {
	ctx, span := s.tracer.Start(ctx, "task_registry.submit",
		trace.WithAttributes(
			attribute.String("task_name", spec.Name),
			attribute.String("topology", spec.Topology),
		))
	defer span.End()

	now := s.clock.Now()
	def, err := task.NewDefinition(spec, now)
	if err != nil {
		s.metrics.IncSubmissionFailures(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid definition")
		return 0, &task.SubmissionError{TaskID: spec.ID, Reason: "invalid task definition", Err: err}
	}

	if def.ID() == 0 {
		var id task.ID
		err := s.do(ctx, "task.next_id", func(ctx context.Context) error {
			var err error
			id, err = s.tasks.NextID(ctx)
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to allocate task id")
			return 0, fmt.Errorf("failed to allocate task id: %w", err)
		}
		def = def.WithID(id)
	}
	span.SetAttributes(attribute.Int64("task_id", int64(def.ID())))

	progress := task.NewProgress(def.ID(), def.ExpectedCount(), now)

	var resolveErr error
	if def.ExpectedCount() == task.UnknownCount && !def.DefersCountResolution() {
		var n int64
		if n, resolveErr = s.resolveCount(ctx, def); resolveErr == nil {
			def = def.WithExpectedCount(n)
			progress.Counters.Expected = n
		} else {
			reason := fmt.Sprintf("Could not resolve the number of records to process: %v", resolveErr)
			if err := progress.Transition(task.StateDropped, reason, now); err != nil {
				return 0, err
			}
		}
	}

	if err := s.do(ctx, "task.create", func(ctx context.Context) error {
		return s.tasks.Create(ctx, def, progress)
	}); err != nil {
		s.metrics.IncSubmissionFailures(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist task")
		return 0, &task.SubmissionError{TaskID: def.ID(), Reason: "failed to persist task", Err: err}
	}

	if resolveErr != nil {
		s.metrics.IncSubmissionFailures(ctx)
		s.metrics.IncTaskTransitions(ctx, task.StateDropped)
		s.logger.Warn(ctx, "task dropped at submission", "task_id", def.ID(), "error", resolveErr)
		span.RecordError(resolveErr)
		span.SetStatus(codes.Error, "expected count resolution failed")
		return def.ID(), &task.SubmissionError{
			TaskID: def.ID(),
			Reason: "expected record count resolution failed",
			Err:    resolveErr,
		}
	}

	s.defs.Add(def.ID(), def)
	s.metrics.IncTasksSubmitted(ctx)
	s.logger.Info(ctx, "task submitted",
		"task_id", def.ID(),
		"task_name", def.Name(),
		"topology", def.Topology(),
		"expected", progress.Counters.Expected,
	)
	span.SetStatus(codes.Ok, "task submitted")
	return def.ID(), nil
}

func (s *Service) resolveCount(ctx context.Context, def *task.Definition) (int64, error) {
	if s.resolver == nil {
		return task.UnknownCount, nil
	}
	return retry.Do(ctx, s.retry, "task.resolve_count", func(ctx context.Context) (int64, error) {
		return s.resolver.ResolveCount(ctx, def)
	})
}

// Start moves a QUEUED task to PROCESSING, resolving a deferred expected
// count first. Starting a task that is already processing only re-runs its
// completion check, so redelivered start requests are harmless.
func (s *Service) Start(ctx context.Context, id task.ID) (task.Progress, error) {
	ctx, span := s.tracer.Start(ctx, "task_registry.start",
		trace.WithAttributes(attribute.Int64("task_id", int64(id))))
	defer span.End()

	def, err := s.Definition(ctx, id)
	if err != nil {
		span.RecordError(err)
		return task.Progress{}, err
	}

	progress, err := s.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return task.Progress{}, err
	}
	if progress.State != task.StateQueued {
		if progress.State == task.StateProcessing || progress.State == task.StatePostProcessing {
			// A redelivered start may follow a completion that failed to store.
			if err := s.checkCompletion(ctx, def, progress); err != nil {
				return progress, err
			}
			return s.Get(ctx, id)
		}
		return progress, fmt.Errorf("task %d is %s: %w", id, progress.State, task.ErrInvalidTransition)
	}

	if progress.Counters.Expected == task.UnknownCount && def.DefersCountResolution() {
		n, err := s.resolveCount(ctx, def)
		if err != nil {
			reason := fmt.Sprintf("Could not resolve the number of records to process: %v", err)
			if ferr := s.Fail(ctx, id, reason); ferr != nil {
				s.logger.Error(ctx, "failed to drop task after count resolution failure", "task_id", id, "error", ferr)
			}
			s.metrics.IncSubmissionFailures(ctx)
			return task.Progress{}, &task.SubmissionError{TaskID: id, Reason: "expected record count resolution failed", Err: err}
		}
		if n != task.UnknownCount {
			if _, err := s.setExpected(ctx, id, n); err != nil {
				return task.Progress{}, err
			}
		}
	}

	if _, err := s.transition(ctx, id, []task.State{task.StateQueued}, task.StateProcessing, descProcessing); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start task")
		return task.Progress{}, err
	}

	progress, err = s.Get(ctx, id)
	if err != nil {
		return task.Progress{}, err
	}

	// A task with nothing to process completes on start.
	if err := s.checkCompletion(ctx, def, progress); err != nil {
		span.RecordError(err)
		return progress, err
	}

	span.SetStatus(codes.Ok, "task started")
	return s.Get(ctx, id)
}

// RecordEvent folds a notification into the task's counters, assigns its
// resource sequence number, stores it in a notification bucket and
// completes the task once every expected record is accounted for.
//
// Recording runs in resumable steps keyed by EventID: reserve a receipt,
// reserve a bucket row, append the notification, then apply the counters.
// A redelivered event continues from the first unfinished step, so a
// partial failure never counts a record twice or loses its notification.
// An event that was already applied is not counted again; its completion
// check is re-run and an error wrapping task.ErrDuplicateEvent is returned.
// If storage stays unavailable after retries the event is dropped: the
// failure is logged and returned, and the task's counters may undercount.
func (s *Service) RecordEvent(ctx context.Context, evt task.NotificationEvent) (task.NotificationEvent, error) {
	ctx, span := s.tracer.Start(ctx, "task_registry.record_event",
		trace.WithAttributes(
			attribute.Int64("task_id", int64(evt.TaskID)),
			attribute.String("outcome", string(evt.Outcome)),
			attribute.String("stage", evt.Stage),
		))
	defer span.End()

	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.RecordedAt.IsZero() {
		evt.RecordedAt = s.clock.Now()
	}
	if evt.Phase == "" {
		evt.Phase = task.PhaseProcessing
	}

	var receipt task.EventReceipt
	if err := s.do(ctx, "task.reserve_event", func(ctx context.Context) error {
		var err error
		receipt, err = s.tasks.ReserveEvent(ctx, evt.TaskID, evt.EventID)
		return err
	}); err != nil {
		s.dropEvent(ctx, evt, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reserve event")
		return evt, fmt.Errorf("failed to reserve event for task %d: %w", evt.TaskID, err)
	}
	evt.ResourceNum = receipt.ResourceNum
	if receipt.Applied {
		evt.BucketID = receipt.BucketID
		return evt, s.duplicate(ctx, evt)
	}

	bucketID, fresh, err := s.reserveBucketRow(ctx, evt, receipt.BucketID)
	if err != nil {
		s.dropEvent(ctx, evt, err)
		span.RecordError(err)
		return evt, err
	}
	evt.BucketID = bucketID

	if err := s.do(ctx, "notification.append", func(ctx context.Context) error {
		return s.notifications.Append(ctx, evt)
	}); err != nil {
		// A row held since an earlier delivery may already back a stored
		// notification, so only a row reserved by this call is released.
		if fresh {
			s.releaseBucketRow(ctx, evt)
		}
		s.dropEvent(ctx, evt, err)
		span.RecordError(err)
		return evt, fmt.Errorf("failed to store notification for task %d: %w", evt.TaskID, err)
	}

	var progress task.Progress
	err = s.do(ctx, "task.apply_event", func(ctx context.Context) error {
		var err error
		progress, err = s.tasks.ApplyEvent(ctx, evt.TaskID, evt.EventID, evt.Delta())
		return err
	})
	switch {
	case errors.Is(err, task.ErrDuplicateEvent):
		return evt, s.duplicate(ctx, evt)
	case err != nil:
		s.dropEvent(ctx, evt, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply event")
		return evt, fmt.Errorf("failed to apply event to task %d: %w", evt.TaskID, err)
	}
	s.metrics.IncNotificationsRecorded(ctx, evt.Outcome)
	span.SetAttributes(attribute.Int64("resource_num", evt.ResourceNum), attribute.String("bucket_id", evt.BucketID))

	if err := s.completeIfDue(ctx, progress); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion pending")
		return evt, err
	}

	span.SetStatus(codes.Ok, "event recorded")
	return evt, nil
}

// reserveBucketRow returns the notification bucket of an event, taking a
// row in the current bucket when the receipt holds none. fresh reports
// whether the row was reserved by this call.
func (s *Service) reserveBucketRow(ctx context.Context, evt task.NotificationEvent, held string) (string, bool, error) {
	if held != "" {
		return held, false, nil
	}

	objectID := bucket.NotificationsObject(evt.TaskID.String())
	var b bucket.Bucket
	if err := s.do(ctx, "bucket.increment", func(ctx context.Context) error {
		var err error
		b, err = s.buckets.Increment(ctx, objectID)
		return err
	}); err != nil {
		return "", false, fmt.Errorf("failed to open notification bucket for task %d: %w", evt.TaskID, err)
	}

	var got string
	err := s.do(ctx, "task.swap_event_bucket", func(ctx context.Context) error {
		var err error
		got, err = s.tasks.SwapEventBucket(ctx, evt.TaskID, evt.EventID, "", b.ID)
		return err
	})
	if err != nil || got != b.ID {
		// Either the receipt is unreachable or a concurrent delivery of the
		// same event won the swap.
		s.decrementBucket(ctx, objectID, b.ID)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to assign notification bucket for task %d: %w", evt.TaskID, err)
	}
	return got, got == b.ID, nil
}

// releaseBucketRow detaches the receipt from its bucket and gives the row
// back. The row is kept if the receipt cannot be detached, so a
// redelivery can still fill it.
func (s *Service) releaseBucketRow(ctx context.Context, evt task.NotificationEvent) {
	var held string
	err := s.do(ctx, "task.swap_event_bucket", func(ctx context.Context) error {
		var err error
		held, err = s.tasks.SwapEventBucket(ctx, evt.TaskID, evt.EventID, evt.BucketID, "")
		return err
	})
	if err != nil || held != "" {
		s.logger.Warn(ctx, "notification bucket row kept for redelivery",
			"task_id", evt.TaskID,
			"event_id", evt.EventID,
			"bucket_id", evt.BucketID,
			"error", err,
		)
		return
	}
	s.decrementBucket(ctx, bucket.NotificationsObject(evt.TaskID.String()), evt.BucketID)
}

// decrementBucket releases one row of bucketID, never of whichever bucket
// is current.
func (s *Service) decrementBucket(ctx context.Context, objectID, bucketID string) {
	err := s.do(ctx, "bucket.decrement", func(ctx context.Context) error {
		return s.buckets.DecrementBucket(ctx, objectID, bucketID, 1)
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to release notification bucket row",
			"object_id", objectID,
			"bucket_id", bucketID,
			"error", err,
		)
	}
}

// duplicate handles an event that was already applied. The earlier
// delivery may have stopped before its completion check, so the check is
// repeated against the stored progress.
func (s *Service) duplicate(ctx context.Context, evt task.NotificationEvent) error {
	s.metrics.IncDuplicateNotifications(ctx)
	trace.SpanFromContext(ctx).AddEvent("duplicate_event")

	progress, err := s.Get(ctx, evt.TaskID)
	if err == nil {
		err = s.completeIfDue(ctx, progress)
	} else {
		err = fmt.Errorf("%w: %v", task.ErrCompletionPending, err)
	}
	if err != nil {
		return fmt.Errorf("event %s of task %d: %w", evt.EventID, evt.TaskID, err)
	}
	return fmt.Errorf("event %s of task %d: %w", evt.EventID, evt.TaskID, task.ErrDuplicateEvent)
}

// completeIfDue runs the completion check for p when its counters call for
// a transition. Failures wrap task.ErrCompletionPending.
func (s *Service) completeIfDue(ctx context.Context, p task.Progress) error {
	if _, due := p.CompletionTarget(false); !due {
		return nil
	}
	def, err := s.Definition(ctx, p.TaskID)
	if err == nil {
		err = s.checkCompletion(ctx, def, p)
	}
	if err != nil {
		s.logger.Error(ctx, "task completion pending", "task_id", p.TaskID, "error", err)
		return fmt.Errorf("task %d: %w: %v", p.TaskID, task.ErrCompletionPending, err)
	}
	return nil
}

func (s *Service) dropEvent(ctx context.Context, evt task.NotificationEvent, err error) {
	s.metrics.IncNotificationsDropped(ctx)
	s.logger.Error(ctx, "notification dropped",
		"task_id", evt.TaskID,
		"event_id", evt.EventID,
		"resource", evt.Resource,
		"outcome", evt.Outcome,
		"error", err,
	)
}

// checkCompletion performs the completion transition due for p, if any.
// The conditional transition guarantees a single winner among concurrent
// callers observing the same final counters.
func (s *Service) checkCompletion(ctx context.Context, def *task.Definition, p task.Progress) error {
	target, ok := p.CompletionTarget(def.PostProcessing())
	if !ok {
		return nil
	}

	if target == task.StatePostProcessing {
		err := s.do(ctx, "task.set_post_expected", func(ctx context.Context) error {
			_, err := s.tasks.SetExpected(ctx, p.TaskID, p.Counters.Expected, p.Counters.Processed)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to set post-processing expected count of task %d: %w", p.TaskID, err)
		}
	}

	performed, err := s.transition(ctx, p.TaskID, []task.State{p.State}, target, completionDescription(target))
	if err != nil {
		return err
	}
	if !performed || target != task.StatePostProcessing {
		return nil
	}

	// An empty post-processing phase finishes immediately.
	next, err := s.Get(ctx, p.TaskID)
	if err != nil {
		return err
	}
	return s.checkCompletion(ctx, def, next)
}

func completionDescription(target task.State) string {
	if target == task.StatePostProcessing {
		return descPostProcessing
	}
	return descProcessed
}

// transition applies a conditional lifecycle change and reports whether this
// call performed it.
func (s *Service) transition(
	ctx context.Context,
	id task.ID,
	from []task.State,
	target task.State,
	description string,
) (bool, error) {
	var performed bool
	err := s.do(ctx, "task.transition", func(ctx context.Context) error {
		var err error
		performed, err = s.tasks.Transition(ctx, id, from, target, description, s.clock.Now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to move task %d to %s: %w", id, target, err)
	}
	if performed {
		s.metrics.IncTaskTransitions(ctx, target)
		s.logger.Info(ctx, "task state changed", "task_id", id, "state", target, "description", description)
	}
	return performed, nil
}

// SetExpected records a late-resolved expected count and completes the task
// if every record is already accounted for.
func (s *Service) SetExpected(ctx context.Context, id task.ID, expected int64) (task.Progress, error) {
	ctx, span := s.tracer.Start(ctx, "task_registry.set_expected",
		trace.WithAttributes(
			attribute.Int64("task_id", int64(id)),
			attribute.Int64("expected", expected),
		))
	defer span.End()

	if expected < 0 {
		return task.Progress{}, fmt.Errorf("expected count must not be negative, got %d", expected)
	}

	p, err := s.setExpected(ctx, id, expected)
	if err != nil {
		span.RecordError(err)
		return task.Progress{}, err
	}

	def, err := s.Definition(ctx, id)
	if err != nil {
		return p, err
	}
	if err := s.checkCompletion(ctx, def, p); err != nil {
		span.RecordError(err)
		return p, err
	}
	return s.Get(ctx, id)
}

func (s *Service) setExpected(ctx context.Context, id task.ID, expected int64) (task.Progress, error) {
	var p task.Progress
	err := s.do(ctx, "task.set_expected", func(ctx context.Context) error {
		var err error
		p, err = s.tasks.SetExpected(ctx, id, expected, -1)
		return err
	})
	if err != nil {
		return task.Progress{}, fmt.Errorf("failed to set expected count of task %d: %w", id, err)
	}
	return p, nil
}

// Kill sets the task's kill flag and moves it to DROPPED regardless of its
// in-flight counts. Killing a task in a terminal state leaves its state
// untouched.
func (s *Service) Kill(ctx context.Context, id task.ID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "task_registry.kill",
		trace.WithAttributes(attribute.Int64("task_id", int64(id))))
	defer span.End()

	if reason == "" {
		reason = "The task was dropped"
	}
	if err := s.drop(ctx, id, reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to kill task")
		return err
	}
	span.SetStatus(codes.Ok, "task killed")
	return nil
}

// Fail drops a task because of a fatal error. Its in-flight records stop
// producing output exactly as for Kill.
func (s *Service) Fail(ctx context.Context, id task.ID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "task_registry.fail",
		trace.WithAttributes(attribute.Int64("task_id", int64(id))))
	defer span.End()

	if err := s.drop(ctx, id, "Failed: "+reason); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Service) drop(ctx context.Context, id task.ID, reason string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.kill.Request(ctx, id, reason); err != nil {
		return err
	}
	performed, err := s.transition(ctx, id, task.SourcesFor(task.StateDropped), task.StateDropped, reason)
	if err != nil {
		return err
	}
	if !performed {
		s.logger.Debug(ctx, "drop requested for task in terminal state", "task_id", id)
	}
	return nil
}

// Get returns the progress of a task or an error wrapping
// task.ErrTaskNotFound.
func (s *Service) Get(ctx context.Context, id task.ID) (task.Progress, error) {
	var p task.Progress
	err := s.do(ctx, "task.get_progress", func(ctx context.Context) error {
		var err error
		p, err = s.tasks.GetProgress(ctx, id)
		return err
	})
	if err != nil {
		return task.Progress{}, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return p, nil
}

// Definition returns the immutable definition of a task through the
// bounded, per-process definition cache.
func (s *Service) Definition(ctx context.Context, id task.ID) (*task.Definition, error) {
	if def, ok := s.defs.Get(id); ok {
		return def, nil
	}

	var def *task.Definition
	err := s.do(ctx, "task.get_definition", func(ctx context.Context) error {
		var err error
		def, err = s.tasks.GetDefinition(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get definition of task %d: %w", id, err)
	}
	s.defs.Add(id, def)
	return def, nil
}

// Delete removes a task and everything recorded for it: notifications and
// their bucket metadata, ledger entries it wrote, its kill flag, progress and
// definition.
func (s *Service) Delete(ctx context.Context, id task.ID) error {
	ctx, span := s.tracer.Start(ctx, "task_registry.delete",
		trace.WithAttributes(attribute.Int64("task_id", int64(id))))
	defer span.End()

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	objectID := bucket.NotificationsObject(id.String())
	it := s.buckets.AllBuckets(ctx, objectID, "")
	var removed int64
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to scan notification buckets of task %d: %w", id, err)
		}
		if !ok {
			break
		}
		var n int64
		if err := s.do(ctx, "notification.delete_bucket", func(ctx context.Context) error {
			var err error
			n, err = s.notifications.DeleteBucket(ctx, id, b.ID)
			return err
		}); err != nil {
			return fmt.Errorf("failed to delete notifications of task %d: %w", id, err)
		}
		removed += n

		err = s.do(ctx, "bucket.decrement", func(ctx context.Context) error {
			return s.buckets.DecrementBucket(ctx, objectID, b.ID, b.Rows)
		})
		if err != nil && !errors.Is(err, bucket.ErrBucketNotFound) {
			return fmt.Errorf("failed to release bucket %s of task %d: %w", b.ID, id, err)
		}
	}

	var ledgerRows int64
	if s.ledger != nil {
		if err := s.do(ctx, "ledger.delete_by_task", func(ctx context.Context) error {
			var err error
			ledgerRows, err = s.ledger.DeleteByTask(ctx, id)
			return err
		}); err != nil {
			return fmt.Errorf("failed to delete ledger entries of task %d: %w", id, err)
		}
	}

	if err := s.kill.Delete(ctx, id); err != nil {
		return err
	}

	if err := s.do(ctx, "task.delete", func(ctx context.Context) error {
		return s.tasks.Delete(ctx, id)
	}); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	s.defs.Remove(id)

	s.logger.Info(ctx, "task deleted",
		"task_id", id,
		"notifications_removed", removed,
		"ledger_entries_removed", ledgerRows,
	)
	span.SetStatus(codes.Ok, "task deleted")
	return nil
}
