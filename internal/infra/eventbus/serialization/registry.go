// Package serialization provides a registry-based system for serializing and deserializing
// domain events in the event bus infrastructure. It acts as a translation layer between
// domain objects and their JSON wire representation.
//
// Codecs are registered per event type. Pipeline channels are open ended, so
// a codec may also be registered for an event type prefix; every
// "pipeline.<channel>" event carries a pipeline.Record.
package serialization

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	serrors "github.com/ahrav/harvest-armada/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

type codec struct {
	serialize   SerializeFunc
	deserialize DeserializeFunc
}

type prefixCodec struct {
	prefix string
	codec
}

var (
	mu       sync.RWMutex
	codecs   = map[events.EventType]codec{}
	prefixes []prefixCodec
)

// Register registers the codec of an event type.
func Register(eventType events.EventType, ser SerializeFunc, de DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	codecs[eventType] = codec{serialize: ser, deserialize: de}
}

// RegisterPrefix registers a codec for every event type starting with
// prefix. Exact registrations take precedence.
func RegisterPrefix(prefix string, ser SerializeFunc, de DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	prefixes = append(prefixes, prefixCodec{prefix: prefix, codec: codec{serialize: ser, deserialize: de}})
}

func lookup(eventType events.EventType) (codec, bool) {
	mu.RLock()
	defer mu.RUnlock()

	if c, ok := codecs[eventType]; ok {
		return c, true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(string(eventType), p.prefix) {
			return p.codec, true
		}
	}
	return codec{}, false
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
// Returns an error if no serializer is registered for the given event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	c, ok := lookup(eventType)
	if !ok {
		return nil, serrors.ErrUnknownEventType{EventType: string(eventType)}
	}
	return c.serialize(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
// Returns an error if no deserializer is registered for the given event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	c, ok := lookup(eventType)
	if !ok {
		return nil, serrors.ErrUnknownEventType{EventType: string(eventType)}
	}
	return c.deserialize(data)
}

// universalEnvelope is the wire form of every message on the bus. The event
// type travels with the payload so a topic may carry several event types.
type universalEnvelope struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope encodes payload and wraps it with its event type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	body, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(universalEnvelope{Type: eventType, Payload: body})
}

// UnmarshalUniversalEnvelope splits a wire message into its event type and
// the still encoded payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, serrors.ErrMalformed{EventType: "envelope", Err: err}
	}
	if env.Type == "" {
		return "", nil, serrors.ErrMalformed{EventType: "envelope", Err: fmt.Errorf("missing event type")}
	}
	return env.Type, env.Payload, nil
}

// DecodeEventEnvelope is UnmarshalUniversalEnvelope followed by
// DeserializePayload.
func DecodeEventEnvelope(data []byte) (events.EventType, any, error) {
	eventType, body, err := UnmarshalUniversalEnvelope(data)
	if err != nil {
		return "", nil, err
	}
	payload, err := DeserializePayload(eventType, body)
	if err != nil {
		return eventType, nil, err
	}
	return eventType, payload, nil
}

// jsonCodec builds a codec for payloads of type T. Pointers to T are accepted
// on serialization; deserialization always yields a T value.
func jsonCodec[T any](name string) (SerializeFunc, DeserializeFunc) {
	ser := func(payload any) ([]byte, error) {
		switch v := payload.(type) {
		case T:
			return json.Marshal(v)
		case *T:
			if v == nil {
				return nil, serrors.ErrNilEvent{EventType: name}
			}
			return json.Marshal(*v)
		default:
			var zero T
			return nil, serrors.ErrInvalidPayload{EventType: name, Want: fmt.Sprintf("%T", zero), Got: payload}
		}
	}
	de := func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, serrors.ErrMalformed{EventType: name, Err: err}
		}
		return v, nil
	}
	return ser, de
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers the codecs of every event type the
// system exchanges. It runs at package initialization.
func RegisterEventSerializers() {
	ser, de := jsonCodec[task.TaskSubmittedEvent](string(task.EventTypeTaskSubmitted))
	Register(task.EventTypeTaskSubmitted, ser, de)

	ser, de = jsonCodec[task.KillRequestedEvent](string(task.EventTypeKillRequested))
	Register(task.EventTypeKillRequested, ser, de)

	ser, de = jsonCodec[task.NotificationEvent](string(task.EventTypeNotificationRaised))
	Register(task.EventTypeNotificationRaised, ser, de)

	ser, de = jsonCodec[pipeline.Record]("pipeline record")
	RegisterPrefix(pipeline.EventTypePrefix, ser, de)
}
