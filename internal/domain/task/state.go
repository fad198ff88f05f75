package task

import (
	"errors"
	"fmt"
)

// State represents the lifecycle position of a harvesting task. Terminal
// states are never left once reached.
type State string

// ErrInvalidTransition is returned when a requested lifecycle change is not
// permitted from the current state.
var ErrInvalidTransition = errors.New("invalid task state transition")

const (
	// StateQueued indicates the task is persisted but no worker has started it.
	StateQueued State = "QUEUED"

	// StateProcessing indicates records of the task are flowing through the pipeline.
	StateProcessing State = "PROCESSING"

	// StatePostProcessing indicates every record is accounted for and the
	// second aggregation phase is running.
	StatePostProcessing State = "PROCESSING_POST_PROCESSING"

	// StateProcessed indicates all expected records were accounted for.
	StateProcessed State = "PROCESSED"

	// StateDropped indicates the task was killed or failed fatally. The state
	// description carries the reason.
	StateDropped State = "DROPPED"

	// StateUnspecified is used when a state cannot be parsed.
	StateUnspecified State = "UNSPECIFIED"
)

// String returns the string representation of the State.
func (s State) String() string { return string(s) }

// Int32 returns a stable numeric code for the state.
func (s State) Int32() int32 {
	switch s {
	case StateQueued:
		return 1
	case StateProcessing:
		return 2
	case StatePostProcessing:
		return 3
	case StateProcessed:
		return 4
	case StateDropped:
		return 5
	default:
		return 0
	}
}

// ParseState converts a string to a State.
func ParseState(s string) State {
	switch s {
	case "QUEUED":
		return StateQueued
	case "PROCESSING":
		return StateProcessing
	case "PROCESSING_POST_PROCESSING":
		return StatePostProcessing
	case "PROCESSED":
		return StateProcessed
	case "DROPPED":
		return StateDropped
	default:
		return StateUnspecified
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateProcessed || s == StateDropped
}

// ValidateTransition checks if a state transition is valid and returns an error if not.
func (s State) ValidateTransition(target State) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the task lifecycle:
// QUEUED -> PROCESSING -> {PROCESSED, DROPPED}
// PROCESSING -> PROCESSING_POST_PROCESSING -> PROCESSED
// any non-terminal state -> DROPPED.
func (s State) isValidTransition(target State) bool {
	switch s {
	case StateQueued:
		return target == StateProcessing || target == StateDropped
	case StateProcessing:
		return target == StateProcessed || target == StatePostProcessing || target == StateDropped
	case StatePostProcessing:
		return target == StateProcessed || target == StateDropped
	case StateProcessed, StateDropped:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}

// SourcesFor returns every state from which target is reachable in one
// step. Storage layers use it to express transitions as conditional updates.
func SourcesFor(target State) []State {
	var out []State
	for _, s := range []State{StateQueued, StateProcessing, StatePostProcessing} {
		if s.isValidTransition(target) {
			out = append(out, s)
		}
	}
	return out
}
