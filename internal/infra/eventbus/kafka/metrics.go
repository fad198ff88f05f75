package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncRedelivered(ctx context.Context, topic string)
	IncDeadLettered(ctx context.Context, topic string)
}

const namespace = "kafka_event_bus"

type eventBusMetrics struct {
	published    metric.Int64Counter
	consumed     metric.Int64Counter
	publishErrs  metric.Int64Counter
	consumeErrs  metric.Int64Counter
	redelivered  metric.Int64Counter
	deadLettered metric.Int64Counter
}

var _ EventBusMetrics = (*eventBusMetrics)(nil)

// NewEventBusMetrics creates the otel instruments of the event bus.
func NewEventBusMetrics(mp metric.MeterProvider) (EventBusMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(eventBusMetrics)
	var err error

	if m.published, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.consumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages acknowledged"),
	); err != nil {
		return nil, err
	}

	if m.publishErrs, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of failed publishes"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrs, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of negatively acknowledged messages"),
	); err != nil {
		return nil, err
	}

	if m.redelivered, err = meter.Int64Counter(
		"messages_redelivered_total",
		metric.WithDescription("Total number of messages republished for redelivery"),
	); err != nil {
		return nil, err
	}

	if m.deadLettered, err = meter.Int64Counter(
		"messages_dead_lettered_total",
		metric.WithDescription("Total number of messages past their redelivery budget"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func topicAttr(topic string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *eventBusMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrs.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrs.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncRedelivered(ctx context.Context, topic string) {
	m.redelivered.Add(ctx, 1, topicAttr(topic))
}

func (m *eventBusMetrics) IncDeadLettered(ctx context.Context, topic string) {
	m.deadLettered.Add(ctx, 1, topicAttr(topic))
}
