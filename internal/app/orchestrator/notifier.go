package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Notifier forwards the notification a stage produced for one record. A
// returned error leaves the input unacknowledged.
type Notifier interface {
	Notify(ctx context.Context, evt task.NotificationEvent) error
}

// EventRecorder folds notifications into task progress.
type EventRecorder interface {
	RecordEvent(ctx context.Context, evt task.NotificationEvent) (task.NotificationEvent, error)
}

// RegistryNotifier records notifications in-process.
type RegistryNotifier struct {
	recorder EventRecorder
	logger   *logger.Logger
}

// NewRegistryNotifier creates a notifier over recorder.
func NewRegistryNotifier(recorder EventRecorder, log *logger.Logger) *RegistryNotifier {
	return &RegistryNotifier{recorder: recorder, logger: log.With("component", "registry_notifier")}
}

// Notify records evt. Redelivered events and events the registry dropped
// after exhausting its retries are not reported back. An interrupted retry
// or a pending completion keeps the input for redelivery.
func (n *RegistryNotifier) Notify(ctx context.Context, evt task.NotificationEvent) error {
	_, err := n.recorder.RecordEvent(ctx, evt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, task.ErrCompletionPending),
		retry.IsInterrupted(err),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, task.ErrDuplicateEvent):
		return nil
	default:
		n.logger.Warn(ctx, "notification not recorded", "task_id", evt.TaskID, "event_id", evt.EventID, "error", err)
		return nil
	}
}

// BusNotifier publishes notifications for the controller to record.
type BusNotifier struct {
	bus events.EventBus
}

// NewBusNotifier creates a notifier publishing on bus.
func NewBusNotifier(bus events.EventBus) *BusNotifier { return &BusNotifier{bus: bus} }

// Notify publishes evt keyed by its task id.
func (n *BusNotifier) Notify(ctx context.Context, evt task.NotificationEvent) error {
	err := n.bus.Publish(ctx, events.EventEnvelope{
		Type:    task.EventTypeNotificationRaised,
		Payload: evt,
	}, events.WithKey(evt.TaskID.String()))
	if err != nil {
		return fmt.Errorf("failed to publish notification for task %d: %w", evt.TaskID, err)
	}
	return nil
}
