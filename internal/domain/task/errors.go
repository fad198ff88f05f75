package task

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no task exists for the requested id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when submitting a task id that is already taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrDuplicateEvent is returned when a notification with the same event id
	// was already recorded for the task.
	ErrDuplicateEvent = errors.New("notification already recorded")

	// ErrEventNotReserved is returned when an event is applied before it
	// was reserved.
	ErrEventNotReserved = errors.New("notification not reserved")

	// ErrCompletionPending is returned when a recorded event made the task
	// due for completion but the transition could not be stored.
	// Redelivering the event retries the transition.
	ErrCompletionPending = errors.New("task completion pending")
)

// SubmissionError reports a fatal submission-time failure. The task, if it
// got an id, is stored as DROPPED with Reason as its description.
type SubmissionError struct {
	TaskID ID
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TaskID == 0 {
		return fmt.Sprintf("task submission failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("task %d submission failed: %s: %v", e.TaskID, e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
