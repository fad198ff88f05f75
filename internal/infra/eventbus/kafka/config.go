package kafka

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// SubmissionTopic carries task submissions (client -> controller).
	SubmissionTopic string
	// KillTopic carries kill requests (client -> controller).
	KillTopic string
	// NotificationTopic carries stage notifications (worker -> controller).
	NotificationTopic string
	// PipelineTopicPrefix is prepended to a pipeline channel name to form
	// the topic that carries it.
	PipelineTopicPrefix string
	// DeadLetterTopic receives events whose redelivery budget is spent. When
	// empty such events are logged and dropped.
	DeadLetterTopic string

	// GroupID is the base consumer group; every subscription derives its own
	// group from it so that each subscriber sees every event.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// ServiceType identifies the type of service (e.g., "worker", "controller")
	ServiceType string

	// MaxRedeliveries bounds how often a nacked event is republished.
	MaxRedeliveries int
}

// DefaultMaxRedeliveries is used when Config.MaxRedeliveries is zero.
const DefaultMaxRedeliveries = 5

func (c *Config) maxRedeliveries() int {
	if c.MaxRedeliveries <= 0 {
		return DefaultMaxRedeliveries
	}
	return c.MaxRedeliveries
}

// topicFor maps a domain event type to its Kafka topic.
func (c *Config) topicFor(t events.EventType) (string, error) {
	var topic string
	switch t {
	case task.EventTypeTaskSubmitted:
		topic = c.SubmissionTopic
	case task.EventTypeKillRequested:
		topic = c.KillTopic
	case task.EventTypeNotificationRaised:
		topic = c.NotificationTopic
	default:
		if ch, ok := pipeline.ChannelOf(t); ok && c.PipelineTopicPrefix != "" {
			topic = c.PipelineTopicPrefix + string(ch)
		}
	}
	if topic == "" {
		return "", fmt.Errorf("unknown event type '%s', no topic mapped", t)
	}
	return topic, nil
}

// groupFor derives the consumer group of a subscription. Subscriptions to the
// same event types from different processes share a group and split the
// partitions between them.
func (c *Config) groupFor(types []events.EventType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	slices.Sort(names)
	return c.GroupID + "." + strings.Join(slices.Compact(names), "+")
}
