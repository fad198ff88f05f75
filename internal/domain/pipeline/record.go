// Package pipeline defines the processing-unit abstraction and the record
// tuple exchanged between stages.
package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// Channel names a pipeline edge. Stages publish to and subscribe on
// channels, never on each other.
type Channel string

// EventTypePrefix prefixes the event type of every pipeline channel.
const EventTypePrefix = "pipeline."

// EventType maps the channel onto the event bus.
func (c Channel) EventType() events.EventType { return events.EventType(EventTypePrefix + string(c)) }

// ChannelOf returns the channel an event type carries, or false for
// non-pipeline event types.
func ChannelOf(t events.EventType) (Channel, bool) {
	ch, ok := strings.CutPrefix(string(t), EventTypePrefix)
	if !ok || ch == "" {
		return "", false
	}
	return Channel(ch), true
}

// Record is the tuple that flows between stages. It is the only wire format
// the core exposes to neighbouring stages.
type Record struct {
	TaskID     task.ID           `json:"task_id"`
	TaskName   string            `json:"task_name"`
	RecordID   string            `json:"record_id"`
	Payload    []byte            `json:"payload,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Revision   task.Revision     `json:"revision"`

	SourceURL    string     `json:"source_url,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	Deleted      bool       `json:"deleted,omitempty"`

	// Trace carries a stable id for the record's journey, used to derive
	// deterministic notification ids so redelivered work is counted once.
	Trace uuid.UUID `json:"trace"`
}

// workUnitNamespace seeds the traces of entry records.
var workUnitNamespace = uuid.MustParse("0b5e7f3c-6a51-4b7e-9a0e-3c1d2f8e4a10")

// NewWorkUnit builds the entry record for one work unit of def. The trace is
// derived from the task and record ids, so enqueueing the same work unit
// twice yields the same notification ids downstream.
func NewWorkUnit(def *task.Definition, wu task.WorkUnit) Record {
	rec := Record{
		TaskID:     def.ID(),
		TaskName:   def.Name(),
		RecordID:   wu.RecordID,
		Parameters: def.Parameters(),
		Revision:   def.OutputRevision(),
		SourceURL:  wu.SourceURL,
		Deleted:    wu.Deleted,
		Trace:      uuid.NewSHA1(workUnitNamespace, []byte(def.ID().String()+"/"+wu.RecordID)),
	}
	if ts, err := time.Parse(time.RFC3339, wu.LastModified); err == nil {
		rec.LastModified = &ts
	}
	return rec
}

// Notify builds a notification about r from stage, with an event id derived
// from the record's trace and the stage so a redelivered record produces the
// same id again.
func (r Record) Notify(stage string, outcome task.Outcome, info string) task.NotificationEvent {
	evt := task.NewNotification(r.TaskID, stage, r.resource(), outcome, info)
	evt.EventID = uuid.NewSHA1(r.Trace, []byte(stage))
	evt.Deleted = r.Deleted
	evt.AdditionalInfo = map[string]string{task.InfoRecordLocalID: r.RecordID}
	if r.LastModified != nil {
		evt.AdditionalInfo[task.InfoLastModified] = r.LastModified.UTC().Format(time.RFC3339)
	}
	return evt
}

func (r Record) resource() string {
	if r.SourceURL != "" {
		return r.SourceURL
	}
	return r.RecordID
}
