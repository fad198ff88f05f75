// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Record headers owned by the bus. They are not surfaced in
// EventEnvelope.Headers.
const (
	headerAttempt     = "x-harvest-attempt"
	headerError       = "x-harvest-error"
	headerOriginTopic = "x-harvest-origin-topic"
)

const defaultCommitInterval = time.Second

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("kafka event bus closed")

// GroupFactory creates the consumer group of one subscription.
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// Offsets are committed manually once every earlier message of the partition
// has been acknowledged; negatively acknowledged messages are republished to
// their topic with an attempt counter until the redelivery budget is spent.
type EventBus struct {
	producer sarama.SyncProducer
	newGroup GroupFactory
	cfg      *Config

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
	wg     sync.WaitGroup

	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an EventBus publishing through producer. Every
// subscription gets its own consumer group from newGroup.
func NewEventBus(
	producer sarama.SyncProducer,
	newGroup GroupFactory,
	cfg *Config,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if producer == nil || newGroup == nil {
		return nil, fmt.Errorf("producer and consumer group factory are required")
	}

	log = log.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	return &EventBus{
		producer:       producer,
		newGroup:       newGroup,
		cfg:            cfg,
		commitInterval: defaultCommitInterval,
		logger:         log,
		tracer:         tracer,
		metrics:        metrics,
	}, nil
}

// Publish serializes event and sends it to the topic of its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, err := b.cfg.topicFor(event.Type)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(msgBytes),
		Headers: recordHeaders(event.Headers),
	}
	if event.Key != "" {
		msg.Key = sarama.StringEncoder(event.Key)
	}
	if !event.Timestamp.IsZero() {
		msg.Timestamp = event.Timestamp
	}

	if err := b.send(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	return nil
}

func (b *EventBus) send(ctx context.Context, msg *sarama.ProducerMessage) error {
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		b.metrics.IncPublishError(ctx, msg.Topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", msg.Topic, err)
	}
	b.metrics.IncMessagePublished(ctx, msg.Topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", msg.Topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func recordHeaders(h map[string]string) []sarama.RecordHeader {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(h[k])})
	}
	return out
}

// Subscribe registers handler for eventTypes until ctx is done. Events of
// other types sharing a topic are skipped.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	_, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return errors.New("subscribe: no event types")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	var topics []string
	for _, et := range eventTypes {
		topic, err := b.cfg.topicFor(et)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: %w", err)
		}
		types[et] = struct{}{}
		if !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	groupID := b.cfg.groupFor(eventTypes)
	group, err := b.newGroup(groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create consumer group")
		return fmt.Errorf("creating consumer group %s: %w", groupID, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = group.Close()
		return ErrClosed
	}
	b.groups = append(b.groups, group)
	b.wg.Add(2)
	b.mu.Unlock()

	log := b.logger.With("consumer_group", groupID)
	h := &consumerHandler{
		bus:     b,
		types:   types,
		handler: handler,
		logger:  log,
	}

	go b.drainErrors(ctx, group, log)
	go b.consumeLoop(ctx, group, topics, h, log)

	log.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)
	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	group sarama.ConsumerGroup,
	topics []string,
	h *consumerHandler,
	log *logger.Logger,
) {
	defer b.wg.Done()
	defer b.closeGroup(ctx, group)

	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.Error(ctx, "Error from consumer group", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *EventBus) drainErrors(ctx context.Context, group sarama.ConsumerGroup, log *logger.Logger) {
	defer b.wg.Done()
	for err := range group.Errors() {
		log.Warn(ctx, "Consumer group error", "error", err)
	}
}

// closeGroup closes group unless Close already did.
func (b *EventBus) closeGroup(ctx context.Context, group sarama.ConsumerGroup) {
	b.mu.Lock()
	idx := slices.Index(b.groups, group)
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	b.groups = slices.Delete(b.groups, idx, idx+1)
	b.mu.Unlock()

	if err := group.Close(); err != nil {
		b.logger.Warn(ctx, "Failed to close consumer group", "error", err)
	}
}

// redeliver republishes msg to its topic with the next attempt number.
func (b *EventBus) redeliver(ctx context.Context, msg *sarama.ConsumerMessage, attempt int) error {
	out := republish(msg, msg.Topic)
	setHeader(out, headerAttempt, strconv.Itoa(attempt))
	if err := b.send(ctx, out); err != nil {
		return err
	}
	b.metrics.IncRedelivered(ctx, msg.Topic)
	return nil
}

// deadLetter parks msg on the dead-letter topic, or logs and drops it when
// none is configured.
func (b *EventBus) deadLetter(
	ctx context.Context,
	msg *sarama.ConsumerMessage,
	evtType events.EventType,
	attempts int,
	cause error,
) error {
	b.metrics.IncDeadLettered(ctx, msg.Topic)
	if b.cfg.DeadLetterTopic == "" {
		logFn := b.logger.Warn
		if reliability.IsCriticalEvent(evtType) {
			logFn = b.logger.Error
		}
		logFn(ctx, "event discarded after redelivery budget",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"event_type", evtType,
			"attempts", attempts,
			"error", cause,
		)
		return nil
	}

	out := republish(msg, b.cfg.DeadLetterTopic)
	setHeader(out, headerOriginTopic, msg.Topic)
	setHeader(out, headerError, cause.Error())
	return b.send(ctx, out)
}

func republish(msg *sarama.ConsumerMessage, topic string) *sarama.ProducerMessage {
	out := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if msg.Key != nil {
		out.Key = sarama.ByteEncoder(msg.Key)
	}
	for _, h := range msg.Headers {
		if h != nil {
			out.Headers = append(out.Headers, sarama.RecordHeader{Key: h.Key, Value: h.Value})
		}
	}
	return out
}

func setHeader(msg *sarama.ProducerMessage, key, value string) {
	for i, h := range msg.Headers {
		if string(h.Key) == key {
			msg.Headers[i].Value = []byte(value)
			return
		}
	}
	msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	log := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	groups := b.groups
	b.groups = nil
	b.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
		}
	}
	b.wg.Wait()

	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing producer: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		log.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	log.Info(ctx, "Closed event bus")
	return nil
}
