package registry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// Metrics records registry activity.
type Metrics interface {
	IncTasksSubmitted(ctx context.Context)
	IncSubmissionFailures(ctx context.Context)
	IncTaskTransitions(ctx context.Context, target task.State)
	IncNotificationsRecorded(ctx context.Context, outcome task.Outcome)
	IncNotificationsDropped(ctx context.Context)
	IncDuplicateNotifications(ctx context.Context)
}

type registryMetrics struct {
	tasksSubmitted      metric.Int64Counter
	submissionFailures  metric.Int64Counter
	taskTransitions     metric.Int64Counter
	notificationsStored metric.Int64Counter
	notificationsLost   metric.Int64Counter
	duplicateEvents     metric.Int64Counter
}

const namespace = "task_registry"

// NewMetrics creates the registry instruments on mp.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(registryMetrics)
	var err error

	if m.tasksSubmitted, err = meter.Int64Counter(
		"tasks_submitted_total",
		metric.WithDescription("Total number of tasks accepted by the registry"),
	); err != nil {
		return nil, err
	}

	if m.submissionFailures, err = meter.Int64Counter(
		"task_submission_failures_total",
		metric.WithDescription("Total number of submissions that failed fatally"),
	); err != nil {
		return nil, err
	}

	if m.taskTransitions, err = meter.Int64Counter(
		"task_transitions_total",
		metric.WithDescription("Total number of task lifecycle transitions by target state"),
	); err != nil {
		return nil, err
	}

	if m.notificationsStored, err = meter.Int64Counter(
		"notifications_recorded_total",
		metric.WithDescription("Total number of notification events folded into task progress"),
	); err != nil {
		return nil, err
	}

	if m.notificationsLost, err = meter.Int64Counter(
		"notifications_dropped_total",
		metric.WithDescription("Total number of notification events dropped after retries were exhausted"),
	); err != nil {
		return nil, err
	}

	if m.duplicateEvents, err = meter.Int64Counter(
		"notifications_duplicate_total",
		metric.WithDescription("Total number of redelivered notification events ignored"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *registryMetrics) IncTasksSubmitted(ctx context.Context) {
	m.tasksSubmitted.Add(ctx, 1)
}

func (m *registryMetrics) IncSubmissionFailures(ctx context.Context) {
	m.submissionFailures.Add(ctx, 1)
}

func (m *registryMetrics) IncTaskTransitions(ctx context.Context, target task.State) {
	m.taskTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", target.String())))
}

func (m *registryMetrics) IncNotificationsRecorded(ctx context.Context, outcome task.Outcome) {
	m.notificationsStored.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *registryMetrics) IncNotificationsDropped(ctx context.Context) {
	m.notificationsLost.Add(ctx, 1)
}

func (m *registryMetrics) IncDuplicateNotifications(ctx context.Context) {
	m.duplicateEvents.Add(ctx, 1)
}
