// Package events defines the envelope and bus contracts shared by the task
// control plane and the pipeline stages.
package events

import "context"

// EventBus carries control events and pipeline work units. Delivery is
// at-least-once and ordered per key, so handlers must tolerate repeats.
type EventBus interface {
	// Publish sends event. It returns once the transport has accepted it.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe delivers events of eventTypes to handler until ctx is done
	// or the bus is closed. How subscribers of the same types split the
	// deliveries is up to the transport.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	Close() error
}
