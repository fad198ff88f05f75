package task

import "github.com/ahrav/harvest-armada/internal/domain/events"

// Control-plane event types exchanged between front-ends, the controller
// and workers.
const (
	EventTypeTaskSubmitted      events.EventType = "TaskSubmitted"
	EventTypeKillRequested      events.EventType = "TaskKillRequested"
	EventTypeNotificationRaised events.EventType = "TaskNotificationRaised"
)

// WorkUnit names one record a task must harvest.
type WorkUnit struct {
	RecordID  string `json:"record_id"`
	SourceURL string `json:"source_url,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`

	// LastModified is the source-reported timestamp in RFC 3339, possibly
	// empty or malformed.
	LastModified string `json:"last_modified,omitempty"`
}

// TaskSubmittedEvent asks the controller to register a task and enqueue its
// work units.
type TaskSubmittedEvent struct {
	Definition DefinitionSpec `json:"definition"`
	WorkUnits  []WorkUnit     `json:"work_units,omitempty"`
}

// KillRequestedEvent asks the controller to kill a task.
type KillRequestedEvent struct {
	TaskID ID     `json:"task_id"`
	Reason string `json:"reason"`
}
