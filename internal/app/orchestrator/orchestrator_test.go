package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvest-armada/internal/app/cancellation"
	"github.com/ahrav/harvest-armada/internal/app/registry"
	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/memory"
	bucketmem "github.com/ahrav/harvest-armada/internal/infra/storage/bucket/memory"
	killmem "github.com/ahrav/harvest-armada/internal/infra/storage/killflag/memory"
	ledgermem "github.com/ahrav/harvest-armada/internal/infra/storage/ledger/memory"
	taskmem "github.com/ahrav/harvest-armada/internal/infra/storage/task/memory"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

const (
	chWork pipeline.Channel = "test.work"
	chDone pipeline.Channel = "test.done"
)

// twoStages wires a transform stage feeding a sink stage.
func twoStages() pipeline.Topology {
	return pipeline.Topology{
		Name:          "test",
		EntryChannels: []pipeline.Channel{chWork},
		Stages: []pipeline.StageSpec{
			{Name: "transform", Kind: "transform", Inputs: []pipeline.Channel{chWork}, Outputs: []pipeline.Channel{chDone}, Workers: 2},
			{Name: "sink", Kind: "sink", Inputs: []pipeline.Channel{chDone}, Workers: 3},
		},
	}
}

type harness struct {
	bus  *memory.Broker
	svc  *registry.Service
	orch *Orchestrator

	sinkCalls atomic.Int64
}

// forward is a transform emitting the record unchanged.
func forward(_ context.Context, rec pipeline.Record) (pipeline.Result, error) {
	var res pipeline.Result
	res.Emit(chDone, rec)
	return res, nil
}

func newHarness(t *testing.T, transform func(ctx context.Context, rec pipeline.Record) (pipeline.Result, error)) *harness {
	t.Helper()

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")
	clock := timeutil.Default()
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}, log)

	regMetrics, err := registry.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	orchMetrics, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	h := &harness{bus: memory.NewBroker(log, memory.WithMaxRedeliveries(3))}
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

	factory := NewStageFactory()
	factory.RegisterStage("transform", pipeline.StageFunc{StageName: "transform", Fn: transform})
	factory.RegisterStage("sink", pipeline.StageFunc{StageName: "sink", Fn: func(_ context.Context, rec pipeline.Record) (pipeline.Result, error) {
		h.sinkCalls.Add(1)
		var res pipeline.Result
		res.Notify(rec.Notify("sink", task.OutcomeSuccess, ""))
		return res, nil
	}})

	h.orch, err = New(twoStages(), factory, h.bus, h.svc, signal, NewRegistryNotifier(h.svc, log), log, tracer, orchMetrics)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})

	select {
	case <-h.orch.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not become ready")
	}
	return h
}

func (h *harness) startTask(t *testing.T, expected int64) *task.Definition {
	t.Helper()
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, task.DefinitionSpec{
		Name:          "harvest",
		Topology:      "test",
		ExpectedCount: expected,
		Routing:       task.Routing{OutputChannel: string(chWork)},
	})
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, id)
	require.NoError(t, err)

	def, err := h.svc.Definition(ctx, id)
	require.NoError(t, err)
	return def
}

func (h *harness) enqueue(t *testing.T, def *task.Definition, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := pipeline.NewWorkUnit(def, task.WorkUnit{RecordID: id, SourceURL: "http://example.org/" + id})
		require.NoError(t, h.orch.Enqueue(context.Background(), chWork, rec))
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.bus.WaitIdle(ctx))
}

func (h *harness) progress(t *testing.T, id task.ID) task.Progress {
	t.Helper()
	p, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestOrchestrator_RunsEveryRecordToCompletion(t *testing.T) {
	h := newHarness(t, forward)
	def := h.startTask(t, 5)

	h.enqueue(t, def, "r1", "r2", "r3", "r4", "r5")
	h.waitIdle(t)

	p := h.progress(t, def.ID())
	assert.Equal(t, task.StateProcessed, p.State)
	assert.Equal(t, int64(5), p.Counters.Processed)
	assert.Equal(t, int64(5), h.sinkCalls.Load())
}

func TestOrchestrator_KilledTaskProducesNoOutput(t *testing.T) {
	h := newHarness(t, forward)
	def := h.startTask(t, 3)

	require.NoError(t, h.svc.Kill(context.Background(), def.ID(), "operator request"))
	h.enqueue(t, def, "r1", "r2", "r3")
	h.waitIdle(t)

	assert.Zero(t, h.sinkCalls.Load())
	p := h.progress(t, def.ID())
	assert.Equal(t, task.StateDropped, p.State)
	assert.Zero(t, p.Counters.Accounted())
}

func TestOrchestrator_KillDuringProcessSuppressesOutput(t *testing.T) {
	var h *harness
	h = newHarness(t, func(ctx context.Context, rec pipeline.Record) (pipeline.Result, error) {
		if err := h.svc.Kill(ctx, rec.TaskID, "stop"); err != nil {
			return pipeline.Result{}, err
		}
		return forward(ctx, rec)
	})
	def := h.startTask(t, 1)

	h.enqueue(t, def, "r1")
	h.waitIdle(t)

	assert.Zero(t, h.sinkCalls.Load())
	assert.Equal(t, task.StateDropped, h.progress(t, def.ID()).State)
}

func TestOrchestrator_RedeliversOnRequest(t *testing.T) {
	var attempts atomic.Int64
	h := newHarness(t, func(ctx context.Context, rec pipeline.Record) (pipeline.Result, error) {
		if attempts.Add(1) == 1 {
			return pipeline.Result{}, pipeline.ErrRedeliver
		}
		return forward(ctx, rec)
	})
	def := h.startTask(t, 1)

	h.enqueue(t, def, "r1")
	h.waitIdle(t)

	assert.Equal(t, int64(2), attempts.Load())
	p := h.progress(t, def.ID())
	assert.Equal(t, task.StateProcessed, p.State)
	assert.Equal(t, int64(1), p.Counters.Processed)
}

func TestOrchestrator_ProcessErrorIsReportedAndAcknowledged(t *testing.T) {
	var attempts atomic.Int64
	h := newHarness(t, func(context.Context, pipeline.Record) (pipeline.Result, error) {
		attempts.Add(1)
		return pipeline.Result{}, errors.New("malformed record")
	})
	def := h.startTask(t, 2)

	h.enqueue(t, def, "r1", "r2")
	h.waitIdle(t)

	assert.Equal(t, int64(2), attempts.Load(), "per-record failures are not redelivered")
	assert.Zero(t, h.sinkCalls.Load())
	p := h.progress(t, def.ID())
	assert.Equal(t, int64(2), p.Counters.ProcessedErrors)
	assert.Equal(t, task.StateProcessed, p.State)

	page, err := h.svc.ListNotifications(context.Background(), def.ID(), registry.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, task.OutcomeError, page.Events[0].Outcome)
	assert.Equal(t, "malformed record", page.Events[0].Info)
	assert.Contains(t, page.Events[0].AdditionalInfo, task.InfoProcessingTime)
}

func TestOrchestrator_UndeclaredChannelIsAFailure(t *testing.T) {
	h := newHarness(t, func(_ context.Context, rec pipeline.Record) (pipeline.Result, error) {
		var res pipeline.Result
		res.Emit(chDone, rec)
		res.Emit("test.elsewhere", rec)
		return res, nil
	})
	def := h.startTask(t, 1)

	h.enqueue(t, def, "r1")
	h.waitIdle(t)

	assert.Zero(t, h.sinkCalls.Load(), "no output of a failed record is published")
	p := h.progress(t, def.ID())
	assert.Equal(t, int64(1), p.Counters.ProcessedErrors)
}

func TestOrchestrator_UnknownTaskIsDropped(t *testing.T) {
	h := newHarness(t, forward)

	rec := pipeline.Record{TaskID: 4242, RecordID: "ghost"}
	require.NoError(t, h.orch.Enqueue(context.Background(), chWork, rec))
	h.waitIdle(t)

	assert.Zero(t, h.sinkCalls.Load())
}

func TestOrchestrator_EnqueueRequiresEntryChannel(t *testing.T) {
	h := newHarness(t, forward)
	err := h.orch.Enqueue(context.Background(), chDone, pipeline.Record{TaskID: 1})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownStageKind(t *testing.T) {
	log := logger.Noop()
	m, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	_, err = New(twoStages(), NewStageFactory(), memory.NewBroker(log), nil, nil, nil,
		log, noop.NewTracerProvider().Tracer("test"), m)
	assert.ErrorContains(t, err, "unknown stage kind")
}

func TestNew_RejectsInvalidTopology(t *testing.T) {
	log := logger.Noop()
	topo := twoStages()
	topo.Stages[1].Inputs = []pipeline.Channel{"nowhere"}

	_, err := New(topo, NewStageFactory(), memory.NewBroker(log), nil, nil, nil,
		log, noop.NewTracerProvider().Tracer("test"), nil)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTopology)
}

type recorderFunc func(ctx context.Context, evt task.NotificationEvent) (task.NotificationEvent, error)

func (f recorderFunc) RecordEvent(ctx context.Context, evt task.NotificationEvent) (task.NotificationEvent, error) {
	return f(ctx, evt)
}

func TestRegistryNotifier_Settlement(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantNack bool
	}{
		{name: "recorded", err: nil},
		{name: "duplicate", err: fmt.Errorf("event: %w", task.ErrDuplicateEvent)},
		{name: "dropped after retries", err: errors.New("storage unavailable")},
		{name: "completion pending", err: fmt.Errorf("event: %w", task.ErrCompletionPending), wantNack: true},
		{name: "interrupted", err: &retry.RetryInterrupted{Attempts: 1, Cause: context.Canceled}, wantNack: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewRegistryNotifier(recorderFunc(func(_ context.Context, evt task.NotificationEvent) (task.NotificationEvent, error) {
				return evt, tt.err
			}), logger.Noop())

			err := n.Notify(context.Background(), task.NotificationEvent{TaskID: 7})
			if tt.wantNack {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
