package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// ErrRedeliver marks a Process failure that must not be acknowledged; the
// delivery channel hands the record out again. Any other error is a
// per-record failure: it is reported as an ERROR notification and the input
// is acknowledged.
var ErrRedeliver = errors.New("record must be redelivered")

// Stage is one processing unit of a pipeline. Implementations must be safe
// for concurrent use and idempotent per record, since delivery is
// at-least-once.
type Stage interface {
	Name() string
	Process(ctx context.Context, rec Record) (Result, error)
}

// Result is what a stage produced for one input record.
type Result struct {
	// Outputs are records to publish, keyed by declared output channel.
	Outputs map[Channel][]Record
	// Notification, if set, reports the record's outcome at this stage.
	Notification *task.NotificationEvent
}

// Emit appends records to the output channel ch.
func (r *Result) Emit(ch Channel, recs ...Record) {
	if r.Outputs == nil {
		r.Outputs = make(map[Channel][]Record)
	}
	r.Outputs[ch] = append(r.Outputs[ch], recs...)
}

// Notify sets the result's notification.
func (r *Result) Notify(evt task.NotificationEvent) { r.Notification = &evt }

// OutputCount is the number of records across all channels.
func (r Result) OutputCount() int {
	n := 0
	for _, recs := range r.Outputs {
		n += len(recs)
	}
	return n
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, rec Record) (Result, error)
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Process(ctx context.Context, rec Record) (Result, error) { return f.Fn(ctx, rec) }

// UnknownChannelError is returned when a stage emits on a channel it did
// not declare as an output.
type UnknownChannelError struct {
	Stage   string
	Channel Channel
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("stage %s emitted on undeclared channel %s", e.Stage, e.Channel)
}
