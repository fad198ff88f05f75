package eventdispatcher

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered handler.
// Following a simple event routing pattern, it ensures each event type has exactly one
// handler responsible for processing events of that type.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New("controller-1", tracer, logger)
//	_ = dispatcher.RegisterHandler(ctx, submissionHandler)
//	_ = bus.Subscribe(ctx, dispatcher.SupportedEvents(), dispatcher.Dispatch)
type Dispatcher struct {
	id string

	mu       sync.RWMutex
	handlers map[events.EventType]events.EventHandler

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a new Dispatcher that uses the provided tracer for
// instrumentation. The dispatcher starts with an empty registry; handlers must
// be registered before dispatching any events.
func New(id string, tracer trace.Tracer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		id:       id,
		handlers: make(map[events.EventType]events.EventHandler),
		tracer:   tracer,
		logger:   log.With("component", "event_dispatcher", "dispatcher_id", id),
	}
}

// HandlerAlreadyRegisteredError is returned when a second handler claims an
// event type.
type HandlerAlreadyRegisteredError struct {
	EventType events.EventType
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// RegisterHandler associates handler with every event type it supports.
// Registration is all-or-nothing: if any type already has a handler nothing
// is registered.
//
// This method is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, handler events.EventHandler) error {
	supported := handler.SupportedEvents()
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("handler_type", fmt.Sprintf("%T", handler)),
			attribute.Int("event_types", len(supported)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, et := range supported {
		if _, exists := d.handlers[et]; exists {
			err := &HandlerAlreadyRegisteredError{EventType: et}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	for _, et := range supported {
		d.handlers[et] = handler
	}

	d.logger.Debug(ctx, "handler registered", "handler_type", fmt.Sprintf("%T", handler), "event_types", supported)
	span.AddEvent("handler_registered")
	span.SetStatus(codes.Ok, "handler registered")
	return nil
}

// SupportedEvents lists the event types that have a handler, in a stable
// order.
func (d *Dispatcher) SupportedEvents() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]events.EventType, 0, len(d.handlers))
	for et := range d.handlers {
		out = append(out, et)
	}
	slices.Sort(out)
	return out
}

// HandlerNotFoundError is an error type that indicates a handler was not found for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Partition int32
	Offset    int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (partition: %d, offset: %d)",
		e.EventType, e.Partition, e.Offset)
}

// Dispatch hands evt to its registered handler. Its signature matches
// events.HandlerFunc so a Dispatcher can subscribe to a bus directly. The
// handler owns the ack.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	log := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"partition", evt.Metadata.Partition,
		"offset", evt.Metadata.Offset,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.Int("partition", int(evt.Metadata.Partition)),
			attribute.Int64("offset", evt.Metadata.Offset),
			attribute.Bool("redelivered", evt.Metadata.Redelivered),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{
			EventType: evt.Type,
			Partition: evt.Metadata.Partition,
			Offset:    evt.Metadata.Offset,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	log.Add("handler_type", fmt.Sprintf("%T", handler))

	if err := handler.HandleEvent(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event for handler %T with event type %s: %w",
			handler, evt.Type, err,
		)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	log.Debug(ctx, "event dispatched successfully")
	return nil
}
