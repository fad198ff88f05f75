package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvest-armada/internal/app/cancellation"
	"github.com/ahrav/harvest-armada/internal/app/controller/metrics"
	"github.com/ahrav/harvest-armada/internal/app/registry"
	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	eventdispatcher "github.com/ahrav/harvest-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/memory"
	bucketmem "github.com/ahrav/harvest-armada/internal/infra/storage/bucket/memory"
	killmem "github.com/ahrav/harvest-armada/internal/infra/storage/killflag/memory"
	ledgermem "github.com/ahrav/harvest-armada/internal/infra/storage/ledger/memory"
	taskmem "github.com/ahrav/harvest-armada/internal/infra/storage/task/memory"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

const entry = pipeline.Channel("harvest.work")

type harness struct {
	bus *memory.Broker
	svc *registry.Service

	mu       sync.Mutex
	enqueued []pipeline.Record
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")
	clock := timeutil.Default()
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}, log)

	regMetrics, err := registry.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	ctrlMetrics, err := metrics.New(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	h := &harness{bus: memory.NewBroker(log)}
	signal := cancellation.NewSignal(killmem.NewStore(), cancellation.Config{}, exec, clock, log, tracer)
	h.svc = registry.NewService(
		registry.Stores{
			Tasks:         taskmem.NewTaskStore(),
			Notifications: taskmem.NewNotificationStore(),
			Buckets:       bucketmem.NewStore(100, bucket.NewULIDGenerator(), clock, log),
			Ledger:        ledgermem.NewStore(),
		},
		signal, nil, exec, registry.CacheConfig{}, clock, log, tracer, regMetrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Stand-in for the workers: collect what lands on the entry channel.
	err = h.bus.Subscribe(ctx, []events.EventType{entry.EventType()}, func(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
		h.mu.Lock()
		h.enqueued = append(h.enqueued, evt.Payload.(pipeline.Record))
		h.mu.Unlock()
		ack(nil)
		return nil
	})
	require.NoError(t, err)

	ctrl := NewController("ctrl-1", h.bus, eventdispatcher.New("ctrl-1", tracer, log), h.svc, log, ctrlMetrics, tracer)
	go func() { _ = ctrl.Run(ctx) }()
	select {
	case <-ctrl.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not become ready")
	}
	return h
}

func (h *harness) publish(t *testing.T, evtType events.EventType, payload any) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), events.EventEnvelope{Type: evtType, Payload: payload}))
	h.settle(t)
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.bus.WaitIdle(ctx))
}

func (h *harness) records() []pipeline.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pipeline.Record(nil), h.enqueued...)
}

func submission(id task.ID, expected int64, units ...string) task.TaskSubmittedEvent {
	evt := task.TaskSubmittedEvent{Definition: task.DefinitionSpec{
		ID:            id,
		Name:          "harvest",
		Topology:      "oai_harvest",
		ExpectedCount: expected,
		Routing:       task.Routing{OutputChannel: string(entry)},
	}}
	for _, u := range units {
		evt.WorkUnits = append(evt.WorkUnits, task.WorkUnit{RecordID: u, SourceURL: "http://example.org/" + u})
	}
	return evt
}

func TestController_SubmissionStartsAndEnqueues(t *testing.T) {
	h := newHarness(t)
	h.publish(t, task.EventTypeTaskSubmitted, submission(11, 2, "a", "b"))

	p, err := h.svc.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessing, p.State)

	recs := h.records()
	require.Len(t, recs, 2)
	assert.Equal(t, task.ID(11), recs[0].TaskID)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{recs[0].RecordID, recs[1].RecordID})
}

func TestController_NotificationsCompleteTask(t *testing.T) {
	h := newHarness(t)
	h.publish(t, task.EventTypeTaskSubmitted, submission(12, 2, "a", "b"))

	for _, rec := range h.records() {
		h.publish(t, task.EventTypeNotificationRaised, rec.Notify("commit", task.OutcomeSuccess, ""))
	}
	// A redelivered notification is counted once.
	h.publish(t, task.EventTypeNotificationRaised, h.records()[0].Notify("commit", task.OutcomeSuccess, ""))

	p, err := h.svc.Get(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessed, p.State)
	assert.Equal(t, int64(2), p.Counters.Processed)
}

func TestController_RedeliveredSubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.publish(t, task.EventTypeTaskSubmitted, submission(13, 1, "a"))
	h.publish(t, task.EventTypeTaskSubmitted, submission(13, 1, "a"))

	recs := h.records()
	require.Len(t, recs, 2, "work units are enqueued again")
	assert.Equal(t, recs[0].Trace, recs[1].Trace, "with the same trace, so notifications dedupe")

	h.publish(t, task.EventTypeNotificationRaised, recs[0].Notify("commit", task.OutcomeSuccess, ""))
	h.publish(t, task.EventTypeNotificationRaised, recs[1].Notify("commit", task.OutcomeSuccess, ""))

	p, err := h.svc.Get(context.Background(), 13)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Counters.Processed)
}

func TestController_InvalidSubmissionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	bad := submission(14, 1, "a")
	bad.Definition.Name = ""
	h.publish(t, task.EventTypeTaskSubmitted, bad)

	_, err := h.svc.Get(context.Background(), 14)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.Empty(t, h.records())
}

func TestController_EmptyTaskCompletesWithoutWork(t *testing.T) {
	h := newHarness(t)
	h.publish(t, task.EventTypeTaskSubmitted, submission(15, 0))

	p, err := h.svc.Get(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessed, p.State)
	assert.Empty(t, h.records())
}

func TestController_Kill(t *testing.T) {
	h := newHarness(t)
	h.publish(t, task.EventTypeTaskSubmitted, submission(16, 3, "a", "b", "c"))
	h.publish(t, task.EventTypeKillRequested, task.KillRequestedEvent{TaskID: 16, Reason: "operator request"})

	p, err := h.svc.Get(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, task.StateDropped, p.State)
	assert.Equal(t, "operator request", p.Description)

	// Unknown tasks are discarded without redelivery.
	h.publish(t, task.EventTypeKillRequested, task.KillRequestedEvent{TaskID: 999})
	assert.Zero(t, h.bus.Pending())
}
