// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for testing and
// single-process development where durability is not required, while keeping
// the at-least-once contract: unacknowledged events are redelivered.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

var _ events.EventBus = (*Broker)(nil)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("event bus closed")

// DefaultMaxRedeliveries bounds how often a nacked event is handed out again
// before it is logged and discarded.
const DefaultMaxRedeliveries = 5

type delivery struct {
	evt      events.EventEnvelope
	attempts int
}

// subscription is one consumer group: every subscription receives its own
// copy of each matching event.
type subscription struct {
	types   map[events.EventType]struct{}
	handler events.HandlerFunc

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

func (s *subscription) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}

// Broker is an in-process events.EventBus. Payloads are encoded and decoded
// through the serialization registry on publish, so subscribers never share
// memory with publishers and every payload is known to survive the wire.
type Broker struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	offset          atomic.Int64
	pending         atomic.Int64
	maxRedeliveries int

	logger *logger.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxRedeliveries overrides DefaultMaxRedeliveries.
func WithMaxRedeliveries(n int) Option {
	return func(b *Broker) { b.maxRedeliveries = n }
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger, opts ...Option) *Broker {
	b := &Broker{
		maxRedeliveries: DefaultMaxRedeliveries,
		logger:          log.With("component", "memory_event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers event to every subscription of its type.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	offset := b.offset.Add(1)
	for _, sub := range b.subs {
		if _, ok := sub.types[event.Type]; !ok {
			continue
		}
		// Each subscription decodes its own copy.
		_, payload, err := serialization.DecodeEventEnvelope(data)
		if err != nil {
			return fmt.Errorf("failed to decode payload for event %s: %w", event.Type, err)
		}
		copied := event
		copied.Payload = payload
		copied.Metadata = events.EventMetadata{Topic: string(event.Type), Offset: offset}

		b.pending.Add(1)
		sub.push(delivery{evt: copied})
	}
	return nil
}

// Subscribe registers handler for eventTypes until ctx is done. Deliveries
// are dispatched sequentially per subscription; acknowledgement may happen
// asynchronously.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	sub := &subscription{
		types:   make(map[events.EventType]struct{}, len(eventTypes)),
		handler: handler,
		signal:  make(chan struct{}, 1),
	}
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.dispatch(ctx, sub)
	return nil
}

func (b *Broker) dispatch(ctx context.Context, sub *subscription) {
	defer b.remove(sub)

	for {
		d, ok := sub.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-sub.signal:
				continue
			}
		}
		if ctx.Err() != nil {
			b.pending.Add(-1)
			continue
		}
		b.deliver(ctx, sub, d)
	}
}

func (b *Broker) deliver(ctx context.Context, sub *subscription, d delivery) {
	var once sync.Once
	ack := func(err error) {
		once.Do(func() { b.settle(ctx, sub, d, err) })
	}

	evt := d.evt
	evt.Metadata.Redelivered = d.attempts > 0
	if err := sub.handler(ctx, evt, ack); err != nil {
		b.logger.Warn(ctx, "handler failed", "event_type", evt.Type, "offset", evt.Metadata.Offset, "error", err)
		ack(err)
	}
}

// settle finishes a delivery: nil commits it, an error hands it out again
// until the redelivery budget is spent.
func (b *Broker) settle(ctx context.Context, sub *subscription, d delivery, err error) {
	if err == nil || ctx.Err() != nil {
		b.pending.Add(-1)
		return
	}
	if d.attempts >= b.maxRedeliveries {
		b.pending.Add(-1)
		b.logger.Error(ctx, "event discarded after redelivery budget",
			"event_type", d.evt.Type,
			"offset", d.evt.Metadata.Offset,
			"attempts", d.attempts+1,
			"error", err,
		)
		return
	}
	d.attempts++
	sub.push(d)
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	for {
		if _, ok := sub.pop(); !ok {
			return
		}
		b.pending.Add(-1)
	}
}

// Pending is the number of deliveries not yet settled.
func (b *Broker) Pending() int64 { return b.pending.Load() }

// WaitIdle blocks until every delivery has been settled or ctx is done.
func (b *Broker) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d deliveries still pending: %w", b.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops accepting publishes and subscriptions.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
