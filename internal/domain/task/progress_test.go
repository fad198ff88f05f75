package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotificationDelta(t *testing.T) {
	tests := []struct {
		name  string
		event NotificationEvent
		want  Delta
	}{
		{
			name:  "success counts as processed",
			event: NotificationEvent{Outcome: OutcomeSuccess},
			want:  Delta{Processed: 1},
		},
		{
			name:  "warning counts as processed",
			event: NotificationEvent{Outcome: OutcomeWarning},
			want:  Delta{Processed: 1},
		},
		{
			name:  "error counts as processed error",
			event: NotificationEvent{Outcome: OutcomeError},
			want:  Delta{ProcessedErrors: 1},
		},
		{
			name:  "deleted success counts as deleted",
			event: NotificationEvent{Outcome: OutcomeSuccess, Deleted: true},
			want:  Delta{Deleted: 1},
		},
		{
			name:  "deleted error counts as deleted error",
			event: NotificationEvent{Outcome: OutcomeError, Deleted: true},
			want:  Delta{DeletedErrors: 1},
		},
		{
			name:  "ignored wins over outcome",
			event: NotificationEvent{Outcome: OutcomeSuccess, Ignored: true},
			want:  Delta{Ignored: 1},
		},
		{
			name:  "queued is informational",
			event: NotificationEvent{Outcome: OutcomeQueued},
			want:  Delta{},
		},
		{
			name:  "post processing phase",
			event: NotificationEvent{Outcome: OutcomeSuccess, Phase: PhasePostProcessing},
			want:  Delta{PostProcessed: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Delta())
		})
	}
}

func TestCounters_Completion(t *testing.T) {
	c := Counters{Expected: 3}
	assert.False(t, c.IsComplete())

	c = c.Add(Delta{Processed: 1}).Add(Delta{Processed: 1}).Add(Delta{ProcessedErrors: 1})
	assert.Equal(t, int64(3), c.Accounted())
	assert.True(t, c.IsComplete())

	unknown := Counters{Expected: UnknownCount, Processed: 10}
	assert.False(t, unknown.IsComplete(), "an unknown expected count never completes")

	empty := Counters{Expected: 0}
	assert.True(t, empty.IsComplete())
}

func TestProgress_CompletionTarget(t *testing.T) {
	tests := []struct {
		name      string
		progress  Progress
		postPhase bool
		want      State
		due       bool
	}{
		{
			name:     "queued never completes",
			progress: Progress{State: StateQueued, Counters: Counters{Expected: 0}},
		},
		{
			name:     "processing incomplete",
			progress: Progress{State: StateProcessing, Counters: Counters{Expected: 2, Processed: 1}},
		},
		{
			name:     "processing complete",
			progress: Progress{State: StateProcessing, Counters: Counters{Expected: 2, Processed: 1, Ignored: 1}},
			want:     StateProcessed,
			due:      true,
		},
		{
			name:      "processing complete with post phase",
			progress:  Progress{State: StateProcessing, Counters: Counters{Expected: 1, Processed: 1}},
			postPhase: true,
			want:      StatePostProcessing,
			due:       true,
		},
		{
			name:     "post processing complete",
			progress: Progress{State: StatePostProcessing, Counters: Counters{PostExpected: 2, PostProcessed: 2}},
			want:     StateProcessed,
			due:      true,
		},
		{
			name:     "dropped stays dropped",
			progress: Progress{State: StateDropped, Counters: Counters{Expected: 1, Processed: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, due := tt.progress.CompletionTarget(tt.postPhase)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.want, got)
		})
	}
}
