// Package serializationerrors holds the typed failures of event payload
// encoding and decoding.
package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil event was provided for serialization/deserialization
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrUnknownEventType indicates no codec is registered for an event type.
type ErrUnknownEventType struct{ EventType string }

func (e ErrUnknownEventType) Error() string {
	return fmt.Sprintf("no codec registered for event type %s", e.EventType)
}

// ErrInvalidPayload indicates the payload handed to a serializer is not of
// the type registered for its event type.
type ErrInvalidPayload struct {
	EventType string
	Want      string
	Got       any
}

func (e ErrInvalidPayload) Error() string {
	return fmt.Sprintf("payload of %s event must be %s, got %T", e.EventType, e.Want, e.Got)
}

// ErrMalformed indicates bytes that could not be decoded.
type ErrMalformed struct {
	EventType string
	Err       error
}

func (e ErrMalformed) Error() string {
	return fmt.Sprintf("malformed %s event: %v", e.EventType, e.Err)
}

func (e ErrMalformed) Unwrap() error { return e.Err }
