package task

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the result a stage reports for one record.
type Outcome string

const (
	OutcomeQueued  Outcome = "QUEUED"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
	OutcomeWarning Outcome = "WARNING"
)

// Phase separates notifications of the main processing phase from those of
// the post-processing phase.
type Phase string

const (
	PhaseProcessing     Phase = "processing"
	PhasePostProcessing Phase = "post_processing"
)

// Well known AdditionalInfo keys.
const (
	InfoRecordLocalID  = "record_local_id"
	InfoProcessingTime = "processing_time_ms"
	InfoLastModified   = "last_modified"
)

// NotificationEvent reports the outcome of processing one record at one
// stage. Events are immutable once recorded.
type NotificationEvent struct {
	// EventID is assigned by the emitting stage and survives redelivery, which
	// lets the registry count each event once.
	EventID uuid.UUID `json:"event_id"`
	TaskID  ID        `json:"task_id"`

	// ResourceNum is assigned by the registry when the event is recorded.
	ResourceNum int64 `json:"resource_num"`

	// BucketID is the notification bucket the event was stored in.
	BucketID string `json:"bucket_id,omitempty"`

	Resource       string            `json:"resource"`
	ResultResource string            `json:"result_resource,omitempty"`
	Outcome        Outcome           `json:"outcome"`
	Phase          Phase             `json:"phase"`
	Stage          string            `json:"stage"`
	Info           string            `json:"info,omitempty"`
	AdditionalInfo map[string]string `json:"additional_info,omitempty"`

	// Deleted marks an event about a record the source reported as deleted.
	Deleted bool `json:"deleted,omitempty"`

	// Ignored marks an event about a record skipped as already processed.
	Ignored bool `json:"ignored,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// NewNotification creates an event with a fresh id in the processing phase.
func NewNotification(taskID ID, stage, resource string, outcome Outcome, info string) NotificationEvent {
	return NotificationEvent{
		EventID:  uuid.New(),
		TaskID:   taskID,
		Resource: resource,
		Outcome:  outcome,
		Phase:    PhaseProcessing,
		Stage:    stage,
		Info:     info,
	}
}

// Delta is the counter change caused by one notification.
type Delta struct {
	Processed       int64
	Deleted         int64
	Ignored         int64
	ProcessedErrors int64
	DeletedErrors   int64
	PostProcessed   int64
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool { return d == Delta{} }

// Delta selects the counter the event contributes to. QUEUED events are
// informational and change no counter; WARNING counts as processed.
func (e NotificationEvent) Delta() Delta {
	if e.Outcome == OutcomeQueued {
		return Delta{}
	}
	if e.Phase == PhasePostProcessing {
		return Delta{PostProcessed: 1}
	}
	failed := e.Outcome == OutcomeError
	switch {
	case e.Ignored:
		return Delta{Ignored: 1}
	case e.Deleted && failed:
		return Delta{DeletedErrors: 1}
	case e.Deleted:
		return Delta{Deleted: 1}
	case failed:
		return Delta{ProcessedErrors: 1}
	default:
		return Delta{Processed: 1}
	}
}
