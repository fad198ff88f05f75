package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

func TestIsCriticalEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType events.EventType
		want      bool
	}{
		{name: "task submitted", eventType: task.EventTypeTaskSubmitted, want: true},
		{name: "kill requested", eventType: task.EventTypeKillRequested, want: true},
		{name: "notification raised", eventType: task.EventTypeNotificationRaised, want: true},
		{name: "pipeline work unit", eventType: pipeline.Channel("records").EventType(), want: false},
		{name: "unknown", eventType: events.EventType("SomethingElse"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCriticalEvent(tt.eventType))
		})
	}
}
