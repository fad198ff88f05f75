package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/harvest-armada/internal/domain/events"
)

// ControllerMetrics defines metrics operations needed by the controller.
type ControllerMetrics interface {
	// Control event metrics
	IncControlEvents(ctx context.Context, eventType events.EventType, result string)

	// Task metrics
	IncTasksStarted(ctx context.Context)
	IncTasksRejected(ctx context.Context)
	AddWorkUnitsEnqueued(ctx context.Context, n int)
	IncEnqueueErrors(ctx context.Context)
}

// Results reported with IncControlEvents.
const (
	ResultHandled   = "handled"
	ResultDiscarded = "discarded"
	ResultRetried   = "retried"
)

// Controller implements ControllerMetrics
type Controller struct {
	controlEvents     metric.Int64Counter
	tasksStarted      metric.Int64Counter
	tasksRejected     metric.Int64Counter
	workUnitsEnqueued metric.Int64Counter
	enqueueErrors     metric.Int64Counter
}

var _ ControllerMetrics = (*Controller)(nil)

const namespace = "harvest_controller"

// New creates a new Controller metrics instance
func New(mp metric.MeterProvider) (*Controller, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(Controller)
	var err error

	if c.controlEvents, err = meter.Int64Counter(
		"control_events_total",
		metric.WithDescription("Total number of control events handled, by type and result"),
	); err != nil {
		return nil, err
	}

	if c.tasksStarted, err = meter.Int64Counter(
		"tasks_started_total",
		metric.WithDescription("Total number of tasks moved to processing"),
	); err != nil {
		return nil, err
	}

	if c.tasksRejected, err = meter.Int64Counter(
		"tasks_rejected_total",
		metric.WithDescription("Total number of submissions rejected or dropped"),
	); err != nil {
		return nil, err
	}

	if c.workUnitsEnqueued, err = meter.Int64Counter(
		"work_units_enqueued_total",
		metric.WithDescription("Total number of work units published to entry channels"),
	); err != nil {
		return nil, err
	}

	if c.enqueueErrors, err = meter.Int64Counter(
		"enqueue_errors_total",
		metric.WithDescription("Total number of failed work unit publishes"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Controller) IncControlEvents(ctx context.Context, eventType events.EventType, result string) {
	c.controlEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(eventType)),
		attribute.String("result", result),
	))
}

func (c *Controller) IncTasksStarted(ctx context.Context)  { c.tasksStarted.Add(ctx, 1) }
func (c *Controller) IncTasksRejected(ctx context.Context) { c.tasksRejected.Add(ctx, 1) }
func (c *Controller) IncEnqueueErrors(ctx context.Context) { c.enqueueErrors.Add(ctx, 1) }

func (c *Controller) AddWorkUnitsEnqueued(ctx context.Context, n int) {
	c.workUnitsEnqueued.Add(ctx, int64(n))
}
