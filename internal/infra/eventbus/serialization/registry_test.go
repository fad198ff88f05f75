package serialization

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	serrors "github.com/ahrav/harvest-armada/internal/infra/eventbus/serialization/errors"
)

func TestEnvelope_PipelineChannelsShareRecordCodec(t *testing.T) {
	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	rec := pipeline.Record{
		TaskID:       9,
		TaskName:     "harvest",
		RecordID:     "rec-1",
		Payload:      []byte("<record/>"),
		LastModified: &ts,
		Trace:        uuid.New(),
	}

	for _, ch := range []pipeline.Channel{"harvest.work", "harvest.fetched"} {
		data, err := SerializeEventEnvelope(ch.EventType(), rec)
		require.NoError(t, err)

		typ, payload, err := DecodeEventEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, ch.EventType(), typ)

		got, ok := payload.(pipeline.Record)
		require.True(t, ok)
		assert.Equal(t, rec.Payload, got.Payload)
		assert.Equal(t, rec.Trace, got.Trace)
		assert.True(t, got.LastModified.Equal(ts))
	}
}

func TestSerializePayload_AcceptsPointers(t *testing.T) {
	evt := task.NewNotification(3, "fetch", "http://x", task.OutcomeError, "timeout")

	_, err := SerializePayload(task.EventTypeNotificationRaised, &evt)
	require.NoError(t, err)

	var nilEvt *task.NotificationEvent
	_, err = SerializePayload(task.EventTypeNotificationRaised, nilEvt)
	assert.ErrorAs(t, err, new(serrors.ErrNilEvent))
}

func TestSerializePayload_Errors(t *testing.T) {
	_, err := SerializePayload(events.EventType("Unknown"), struct{}{})
	assert.ErrorAs(t, err, new(serrors.ErrUnknownEventType))

	_, err = SerializePayload(task.EventTypeKillRequested, task.TaskSubmittedEvent{})
	assert.ErrorAs(t, err, new(serrors.ErrInvalidPayload))
}

func TestUnmarshalUniversalEnvelope_Malformed(t *testing.T) {
	_, _, err := UnmarshalUniversalEnvelope([]byte("not json"))
	assert.ErrorAs(t, err, new(serrors.ErrMalformed))

	_, _, err = UnmarshalUniversalEnvelope([]byte(`{"payload":{}}`))
	assert.ErrorAs(t, err, new(serrors.ErrMalformed))

	_, _, err = DecodeEventEnvelope([]byte(`{"type":"TaskKillRequested","payload":"oops"}`))
	assert.ErrorAs(t, err, new(serrors.ErrMalformed))
}
