// Package reliability classifies events by how much their loss costs.
// Transports use the classification to decide how loudly to report an event
// they had to give up on.
package reliability

import (
	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// IsCriticalEvent reports whether eventType carries task control state.
// Submissions, kill requests and notifications are never re-sent by their
// producers. Pipeline work units and unknown types are not critical.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case task.EventTypeTaskSubmitted,
		task.EventTypeKillRequested,
		task.EventTypeNotificationRaised:
		return true
	default:
		return false
	}
}
