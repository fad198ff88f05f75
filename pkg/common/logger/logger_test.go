package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	traceFn := func(context.Context) string { return "abc123" }

	log := NewWithMetadata(&buf, LevelInfo, "worker", traceFn, Events{}, map[string]string{"pod": "worker-0"})
	log.With("component", "registry").Info(context.Background(), "task submitted", "task_id", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "task submitted", rec["msg"])
	assert.Equal(t, "worker", rec["service"])
	assert.Equal(t, "worker-0", rec["pod"])
	assert.Equal(t, "registry", rec["component"])
	assert.Equal(t, "abc123", rec["trace_id"])
	assert.EqualValues(t, 42, rec["task_id"])
}

func TestLoggerRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "svc", nil)

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerErrorEvent(t *testing.T) {
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	log := NewWithEvents(&bytes.Buffer{}, LevelDebug, "svc", nil, events)
	log.Error(context.Background(), "boom", "task_id", 7)

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.EqualValues(t, 7, got.Attributes["task_id"])
}

func TestLoggerContextAccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "svc", nil))
	lc.Add("task_id", 9)
	lc.Info(context.Background(), "first", "stage", "fetch")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.EqualValues(t, 9, rec["task_id"])
	assert.Equal(t, "fetch", rec["stage"])
}

func TestNoopDiscards(t *testing.T) {
	log := Noop().With("k", "v")
	assert.NotPanics(t, func() { log.Error(context.Background(), "ignored") })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
