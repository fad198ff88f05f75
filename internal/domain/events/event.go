package events

import (
	"context"
	"time"
)

// EventEnvelope encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	// Pipeline channels are carried as event types as well.
	Type EventType

	// Key enables consistent event routing, typically the task id so that all
	// traffic of one task lands on the same partition.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created or received.
	Timestamp time.Time

	// Payload contains the actual event data (e.g., pipeline.Record,
	// task.NotificationEvent). The concrete type depends on the EventType.
	Payload any

	// Metadata carries transport specific delivery information.
	Metadata EventMetadata
}

// EventMetadata describes where a delivered event came from in the log.
type EventMetadata struct {
	Topic     string
	Partition int32
	Offset    int64

	// Redelivered is set by transports that know the event was delivered
	// before without being acknowledged.
	Redelivered bool
}

// AckFunc acknowledges a delivered event. A nil error commits the event; a
// non-nil error leaves it unacknowledged so the log redelivers it.
type AckFunc func(err error)

// HandlerFunc processes one delivered event. The handler owns the ack.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error
