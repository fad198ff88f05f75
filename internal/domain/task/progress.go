package task

import "time"

// Counters aggregates the record outcomes reported for a task.
type Counters struct {
	Expected        int64 `json:"expected"`
	Processed       int64 `json:"processed"`
	Deleted         int64 `json:"deleted"`
	Ignored         int64 `json:"ignored"`
	ProcessedErrors int64 `json:"processed_errors"`
	DeletedErrors   int64 `json:"deleted_errors"`
	PostExpected    int64 `json:"post_expected"`
	PostProcessed   int64 `json:"post_processed"`
}

// Add returns c with every counter of d added. Expected and PostExpected are
// left untouched; they are set, never accumulated.
func (c Counters) Add(d Delta) Counters {
	c.Processed += d.Processed
	c.Deleted += d.Deleted
	c.Ignored += d.Ignored
	c.ProcessedErrors += d.ProcessedErrors
	c.DeletedErrors += d.DeletedErrors
	c.PostProcessed += d.PostProcessed
	return c
}

// Accounted is the number of records with a terminal outcome. Errors count
// as accounted for: a failed record is finished, not pending.
func (c Counters) Accounted() int64 {
	return c.Processed + c.Deleted + c.Ignored + c.ProcessedErrors + c.DeletedErrors
}

// IsComplete reports whether every expected record has been accounted for.
// An unknown expected count is never complete.
func (c Counters) IsComplete() bool {
	return c.Expected != UnknownCount && c.Accounted() >= c.Expected
}

// IsPostComplete reports whether the post-processing phase is done.
func (c Counters) IsPostComplete() bool {
	return c.PostProcessed >= c.PostExpected
}

// Progress is the mutable execution record of a task. Stages never touch it
// directly; it changes only through event aggregation and lifecycle calls.
type Progress struct {
	TaskID      ID        `json:"task_id"`
	State       State     `json:"state"`
	Description string    `json:"description,omitempty"`
	Counters    Counters  `json:"counters"`
	SentAt      time.Time `json:"sent_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewProgress returns the initial progress of a freshly submitted task.
func NewProgress(id ID, expected int64, sentAt time.Time) Progress {
	return Progress{
		TaskID:      id,
		State:       StateQueued,
		Description: "The task is in a pending mode, it is being processed before submission",
		Counters:    Counters{Expected: expected},
		SentAt:      sentAt,
	}
}

// Transition moves p to target, stamping start and finish times. It fails
// without modifying p if the lifecycle forbids the move.
func (p *Progress) Transition(target State, description string, at time.Time) error {
	if err := p.State.ValidateTransition(target); err != nil {
		return err
	}
	p.State = target
	if description != "" {
		p.Description = description
	}
	if target == StateProcessing && p.StartedAt.IsZero() {
		p.StartedAt = at
	}
	if target.IsTerminal() {
		p.FinishedAt = at
	}
	return nil
}

// CompletionTarget returns the state p should move to given its counters, or
// false if no completion transition is due. withPostPhase routes a finished
// processing phase into post-processing instead of PROCESSED.
func (p Progress) CompletionTarget(withPostPhase bool) (State, bool) {
	switch p.State {
	case StateProcessing:
		if !p.Counters.IsComplete() {
			return "", false
		}
		if withPostPhase {
			return StatePostProcessing, true
		}
		return StateProcessed, true
	case StatePostProcessing:
		if !p.Counters.IsPostComplete() {
			return "", false
		}
		return StateProcessed, true
	default:
		return "", false
	}
}
