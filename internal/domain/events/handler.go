package events

import "context"

// EventHandler owns one or more event types. A dispatcher routes each
// delivered event to the single handler claiming its type.
type EventHandler interface {
	// HandleEvent processes evt. The handler settles the delivery through
	// ack; a returned error is reported by the caller but does not ack.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	SupportedEvents() []EventType
}
