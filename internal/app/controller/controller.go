// Package controller runs the control plane of a harvest deployment: it
// registers submitted tasks, starts them, enqueues their work units on the
// topology's entry channel, applies kill requests and folds stage
// notifications into task progress.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/app/controller/metrics"
	"github.com/ahrav/harvest-armada/internal/app/orchestrator"
	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Registry is the part of the task registry the controller drives.
type Registry interface {
	orchestrator.EventRecorder

	Submit(ctx context.Context, spec task.DefinitionSpec) (task.ID, error)
	Start(ctx context.Context, id task.ID) (task.Progress, error)
	Definition(ctx context.Context, id task.ID) (*task.Definition, error)
	Kill(ctx context.Context, id task.ID, reason string) error
	Fail(ctx context.Context, id task.ID, reason string) error
}

// Router routes control events to the handler registered for their type.
type Router interface {
	RegisterHandler(ctx context.Context, handler events.EventHandler) error
	SupportedEvents() []events.EventType
	Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error
}

// Controller consumes control events from the bus.
type Controller struct {
	id string

	bus      events.EventBus
	router   Router
	registry Registry

	readyOnce sync.Once
	ready     chan struct{}

	logger  *logger.Logger
	metrics metrics.ControllerMetrics
	tracer  trace.Tracer
}

// NewController creates a Controller. Its handlers are registered with
// router when Run starts.
func NewController(
	id string,
	bus events.EventBus,
	router Router,
	registry Registry,
	log *logger.Logger,
	metrics metrics.ControllerMetrics,
	tracer trace.Tracer,
) *Controller {
	return &Controller{
		id:       id,
		bus:      bus,
		router:   router,
		registry: registry,
		ready:    make(chan struct{}),
		logger:   log.With("component", "controller", "controller_id", id),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Ready is closed once the controller is subscribed to its control events.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Run registers the control handlers, subscribes to their events and blocks
// until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	handlers := []events.EventHandler{
		&submissionHandler{c: c},
		&killHandler{c: c},
		&notificationHandler{c: c, notifier: orchestrator.NewRegistryNotifier(c.registry, c.logger)},
	}
	for _, h := range handlers {
		if err := c.router.RegisterHandler(ctx, h); err != nil {
			return fmt.Errorf("controller[%s]: failed to register handler %T: %w", c.id, h, err)
		}
	}

	if err := c.bus.Subscribe(ctx, c.router.SupportedEvents(), c.router.Dispatch); err != nil {
		return fmt.Errorf("controller[%s]: failed to subscribe to control events: %w", c.id, err)
	}

	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info(ctx, "Controller ready", "event_types", c.router.SupportedEvents())

	<-ctx.Done()
	c.logger.Info(ctx, "Controller stopping")
	return nil
}

// settle acks evt and records the result.
func (c *Controller) settle(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc, err error) {
	result := metrics.ResultHandled
	if err != nil {
		result = metrics.ResultRetried
	}
	c.metrics.IncControlEvents(ctx, evt.Type, result)
	ack(err)
}

func (c *Controller) discard(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc, reason string, args ...any) {
	c.metrics.IncControlEvents(ctx, evt.Type, metrics.ResultDiscarded)
	c.logger.Warn(ctx, reason, append(args, "event_type", evt.Type, "offset", evt.Metadata.Offset)...)
	ack(nil)
}

// transient reports whether err should leave the event for redelivery.
func transient(err error) bool {
	return retry.IsInterrupted(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func payloadAs[T any](payload any) (T, bool) {
	switch v := payload.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// submissionHandler registers, starts and enqueues submitted tasks.
type submissionHandler struct{ c *Controller }

func (h *submissionHandler) SupportedEvents() []events.EventType {
	return []events.EventType{task.EventTypeTaskSubmitted}
}

func (h *submissionHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	c := h.c
	p, ok := payloadAs[task.TaskSubmittedEvent](evt.Payload)
	if !ok {
		c.discard(ctx, evt, ack, "unexpected submission payload", "payload_type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "controller.handle_submission",
		trace.WithAttributes(
			attribute.String("task_name", p.Definition.Name),
			attribute.Int("work_units", len(p.WorkUnits)),
			attribute.Bool("redelivered", evt.Metadata.Redelivered),
		))
	defer span.End()

	id, err := c.registry.Submit(ctx, p.Definition)
	switch {
	case err == nil:
	case p.Definition.ID != 0 && errors.Is(err, task.ErrTaskExists):
		// A redelivered submission with a caller-assigned id resumes where
		// the first delivery stopped.
		id = p.Definition.ID
	case transient(err):
		span.RecordError(err)
		c.settle(ctx, evt, ack, err)
		return nil
	default:
		var subErr *task.SubmissionError
		if errors.As(err, &subErr) {
			c.metrics.IncTasksRejected(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, subErr.Reason)
			c.discard(ctx, evt, ack, "task submission rejected", "task_id", subErr.TaskID, "error", err)
			return nil
		}
		span.RecordError(err)
		c.settle(ctx, evt, ack, err)
		return nil
	}
	span.SetAttributes(attribute.Int64("task_id", int64(id)))

	err = h.start(ctx, id, p.WorkUnits)
	if err != nil && p.Definition.ID == 0 && !transient(err) {
		// Redelivering would register the task a second time under a new
		// id, so a failure past registration drops this one instead.
		if ferr := c.registry.Fail(ctx, id, err.Error()); ferr != nil {
			c.logger.Error(ctx, "failed to drop task after start failure", "task_id", id, "error", ferr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "task start failed")
		c.discard(ctx, evt, ack, "task dropped after start failure", "task_id", id, "error", err)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task start failed")
	}
	c.settle(ctx, evt, ack, err)
	return nil
}

// start moves the task to processing and enqueues its work units. Tasks that
// cannot start any more (dropped, already finished, count unresolvable) are
// not errors.
func (h *submissionHandler) start(ctx context.Context, id task.ID, units []task.WorkUnit) error {
	c := h.c

	progress, err := c.registry.Start(ctx, id)
	if err != nil {
		var subErr *task.SubmissionError
		if errors.As(err, &subErr) || errors.Is(err, task.ErrInvalidTransition) {
			c.metrics.IncTasksRejected(ctx)
			c.logger.Warn(ctx, "task not started", "task_id", id, "error", err)
			return nil
		}
		return fmt.Errorf("starting task %d: %w", id, err)
	}
	if progress.State != task.StateProcessing {
		c.logger.Info(ctx, "task finished on start", "task_id", id, "state", progress.State)
		return nil
	}
	c.metrics.IncTasksStarted(ctx)

	def, err := c.registry.Definition(ctx, id)
	if err != nil {
		return fmt.Errorf("loading definition of task %d: %w", id, err)
	}

	recs := make([]pipeline.Record, 0, len(units))
	for _, wu := range units {
		recs = append(recs, pipeline.NewWorkUnit(def, wu))
	}
	entry := pipeline.Channel(def.Routing().OutputChannel)
	if err := orchestrator.Enqueue(ctx, c.bus, entry, recs...); err != nil {
		c.metrics.IncEnqueueErrors(ctx)
		return err
	}
	c.metrics.AddWorkUnitsEnqueued(ctx, len(recs))

	c.logger.Info(ctx, "task started",
		"task_id", id,
		"entry_channel", entry,
		"work_units", len(recs),
		"expected", progress.Counters.Expected,
	)
	return nil
}

// killHandler applies kill requests.
type killHandler struct{ c *Controller }

func (h *killHandler) SupportedEvents() []events.EventType {
	return []events.EventType{task.EventTypeKillRequested}
}

func (h *killHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	c := h.c
	p, ok := payloadAs[task.KillRequestedEvent](evt.Payload)
	if !ok {
		c.discard(ctx, evt, ack, "unexpected kill payload", "payload_type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "controller.handle_kill",
		trace.WithAttributes(attribute.Int64("task_id", int64(p.TaskID))))
	defer span.End()

	err := c.registry.Kill(ctx, p.TaskID, p.Reason)
	if errors.Is(err, task.ErrTaskNotFound) {
		c.discard(ctx, evt, ack, "kill requested for unknown task", "task_id", p.TaskID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kill failed")
	} else {
		c.logger.Info(ctx, "task killed", "task_id", p.TaskID, "reason", p.Reason)
	}
	c.settle(ctx, evt, ack, err)
	return nil
}

// notificationHandler folds stage notifications published by workers.
type notificationHandler struct {
	c        *Controller
	notifier orchestrator.Notifier
}

func (h *notificationHandler) SupportedEvents() []events.EventType {
	return []events.EventType{task.EventTypeNotificationRaised}
}

func (h *notificationHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	c := h.c
	n, ok := payloadAs[task.NotificationEvent](evt.Payload)
	if !ok {
		c.discard(ctx, evt, ack, "unexpected notification payload", "payload_type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}
	c.settle(ctx, evt, ack, h.notifier.Notify(ctx, n))
	return nil
}
