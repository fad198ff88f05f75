package kafka

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/codes"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// consumerHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type consumerHandler struct {
	bus     *EventBus
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
	logger  *logger.Logger
}

var _ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)

func (h *consumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *consumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands the messages of one partition to the subscription
// handler. Acknowledgements may arrive out of order and from other
// goroutines; the claim's offsetTracker keeps the committed position below
// every unacknowledged message.
func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	h.logger.Info(ctx, "Starting to consume from partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)

	tracker := newOffsetTracker()
	ticker := time.NewTicker(h.bus.commitInterval)
	defer ticker.Stop()
	defer sess.Commit()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consume(sess, tracker, msg)
		case <-ticker.C:
			sess.Commit()
		case <-ctx.Done():
			if n := tracker.pending(); n > 0 {
				h.logger.Info(ctx, "Session ended with unacknowledged messages",
					"topic", claim.Topic(),
					"partition", claim.Partition(),
					"pending", n,
				)
			}
			return nil
		}
	}
}

func (h *consumerHandler) consume(sess sarama.ConsumerGroupSession, tracker *offsetTracker, msg *sarama.ConsumerMessage) {
	tracker.track(msg.Offset)

	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.bus.tracer)
	defer span.End()

	log := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	evtType, data, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		log.Error(msgCtx, "Dropping undecodable message", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable envelope")
		h.bus.metrics.IncConsumeError(msgCtx, msg.Topic)
		h.mark(sess, tracker, msg)
		return
	}
	if _, ok := h.types[evtType]; !ok {
		h.mark(sess, tracker, msg)
		return
	}

	payload, err := serialization.DeserializePayload(evtType, data)
	if err != nil {
		log.Error(msgCtx, "Dropping message with malformed payload", "event_type", evtType, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		h.bus.metrics.IncConsumeError(msgCtx, msg.Topic)
		h.mark(sess, tracker, msg)
		return
	}

	attempt := attemptOf(msg)
	evt := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   envelopeHeaders(msg),
		Timestamp: msg.Timestamp,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Topic:       msg.Topic,
			Partition:   msg.Partition,
			Offset:      msg.Offset,
			Redelivered: attempt > 0,
		},
	}

	log.Debug(msgCtx, "Received Kafka message", "event_type", evtType, "key", evt.Key, "attempt", attempt)

	var once sync.Once
	ack := func(err error) {
		once.Do(func() { h.settle(msgCtx, sess, tracker, msg, evtType, attempt, err) })
	}

	if err := h.handler(msgCtx, evt, ack); err != nil {
		log.Error(msgCtx, "Failed to handle message", "error", err)
		span.RecordError(err)
		ack(err)
	}
}

// settle finishes a delivery. Success marks the offset; failure republishes
// the message with the next attempt number and then marks it. A message
// that cannot be republished stays unmarked and is redelivered from the log
// after the next rebalance.
func (h *consumerHandler) settle(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	tracker *offsetTracker,
	msg *sarama.ConsumerMessage,
	evtType events.EventType,
	attempt int,
	err error,
) {
	if err == nil {
		h.bus.metrics.IncMessageConsumed(ctx, msg.Topic)
		h.mark(sess, tracker, msg)
		return
	}

	h.bus.metrics.IncConsumeError(ctx, msg.Topic)
	if sess.Context().Err() != nil {
		return
	}

	log := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempt)
	if attempt >= h.bus.cfg.maxRedeliveries() {
		if derr := h.bus.deadLetter(ctx, msg, evtType, attempt+1, err); derr != nil {
			log.Error(ctx, "Failed to dead-letter message", "error", derr)
			return
		}
		h.mark(sess, tracker, msg)
		return
	}

	if rerr := h.bus.redeliver(ctx, msg, attempt+1); rerr != nil {
		log.Error(ctx, "Failed to republish message for redelivery", "error", rerr)
		return
	}
	log.Debug(ctx, "Republished message for redelivery", "cause", err)
	h.mark(sess, tracker, msg)
}

func (h *consumerHandler) mark(sess sarama.ConsumerGroupSession, tracker *offsetTracker, msg *sarama.ConsumerMessage) {
	if next, ok := tracker.ack(msg.Offset); ok {
		sess.MarkOffset(msg.Topic, msg.Partition, next, "")
	}
}

func attemptOf(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == headerAttempt {
			n, err := strconv.Atoi(string(h.Value))
			if err != nil || n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}

func envelopeHeaders(msg *sarama.ConsumerMessage) map[string]string {
	var out map[string]string
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case headerAttempt, headerError, headerOriginTopic:
			continue
		}
		if out == nil {
			out = make(map[string]string, len(msg.Headers))
		}
		out[string(h.Key)] = string(h.Value)
	}
	return out
}
