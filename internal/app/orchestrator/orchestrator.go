// Package orchestrator runs a pipeline topology: it binds every stage spec to
// a stage, subscribes each stage to its input channels and drives records
// through bounded worker pools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/harvest-armada/internal/domain/events"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

const defaultWorkers = 1

// DefinitionSource resolves the definition of the task a record belongs to.
type DefinitionSource interface {
	Definition(ctx context.Context, id task.ID) (*task.Definition, error)
}

// KillChecker reports whether a task has been killed.
type KillChecker interface {
	IsSet(ctx context.Context, id task.ID) (bool, error)
}

type boundStage struct {
	spec    pipeline.StageSpec
	stage   pipeline.Stage
	workers int
}

type job struct {
	ctx context.Context
	evt events.EventEnvelope
	ack events.AckFunc
}

// Orchestrator drives one topology over an event bus.
type Orchestrator struct {
	topology pipeline.Topology
	stages   []*boundStage

	bus      events.EventBus
	defs     DefinitionSource
	kill     KillChecker
	notifier Notifier

	readyOnce sync.Once
	ready     chan struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// New validates topology and builds its stages through factory.
func New(
	topology pipeline.Topology,
	factory *StageFactory,
	bus events.EventBus,
	defs DefinitionSource,
	kill KillChecker,
	notifier Notifier,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) (*Orchestrator, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		topology: topology,
		bus:      bus,
		defs:     defs,
		kill:     kill,
		notifier: notifier,
		ready:    make(chan struct{}),
		logger:   logger.With("component", "orchestrator", "topology", topology.Name),
		tracer:   tracer,
		metrics:  metrics,
	}
	for _, spec := range topology.Stages {
		stage, err := factory.Build(spec)
		if err != nil {
			return nil, err
		}
		workers := spec.Workers
		if workers <= 0 {
			workers = defaultWorkers
		}
		o.stages = append(o.stages, &boundStage{spec: spec, stage: stage, workers: workers})
	}
	return o, nil
}

// Ready is closed once every stage is subscribed to its inputs.
func (o *Orchestrator) Ready() <-chan struct{} { return o.ready }

// Run subscribes every stage and processes deliveries until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range o.stages {
		jobs := make(chan job)

		inputs := make([]events.EventType, 0, len(b.spec.Inputs))
		for _, ch := range b.spec.Inputs {
			inputs = append(inputs, ch.EventType())
		}
		err := o.bus.Subscribe(gctx, inputs, func(hctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			select {
			case jobs <- job{ctx: hctx, evt: evt, ack: ack}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to subscribe stage %s: %w", b.spec.Name, err)
		}

		for range b.workers {
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case j := <-jobs:
						o.handle(j.ctx, b, j.evt, j.ack)
					}
				}
			})
		}
		o.logger.Info(ctx, "stage started", "stage", b.spec.Name, "kind", b.spec.Kind, "workers", b.workers)
	}
	o.readyOnce.Do(func() { close(o.ready) })

	err := g.Wait()
	o.logger.Info(ctx, "orchestrator stopped")
	return err
}

// Enqueue publishes records onto an entry channel of the topology.
func (o *Orchestrator) Enqueue(ctx context.Context, ch pipeline.Channel, recs ...pipeline.Record) error {
	if !o.topology.IsEntry(ch) {
		return fmt.Errorf("channel %s is not an entry channel of topology %s", ch, o.topology.Name)
	}
	return Enqueue(ctx, o.bus, ch, recs...)
}

// Enqueue publishes records onto ch of bus, keyed by task id.
func Enqueue(ctx context.Context, bus events.EventBus, ch pipeline.Channel, recs ...pipeline.Record) error {
	for _, rec := range recs {
		if rec.Trace == uuid.Nil {
			rec.Trace = uuid.New()
		}
		err := bus.Publish(ctx, events.EventEnvelope{
			Type:    ch.EventType(),
			Payload: rec,
		}, events.WithKey(rec.TaskID.String()))
		if err != nil {
			return fmt.Errorf("failed to enqueue record %s of task %d: %w", rec.RecordID, rec.TaskID, err)
		}
	}
	return nil
}

func recordOf(payload any) (pipeline.Record, bool) {
	switch v := payload.(type) {
	case pipeline.Record:
		return v, true
	case *pipeline.Record:
		if v == nil {
			return pipeline.Record{}, false
		}
		return *v, true
	default:
		return pipeline.Record{}, false
	}
}

// handle runs one delivery through a stage. Every path ends in exactly one
// ack call: nil commits the input, an error leaves it for redelivery.
func (o *Orchestrator) handle(ctx context.Context, b *boundStage, evt events.EventEnvelope, ack events.AckFunc) {
	stageName := b.spec.Name
	rec, ok := recordOf(evt.Payload)
	if !ok {
		o.logger.Error(ctx, "discarding delivery without a record payload",
			"stage", stageName, "event_type", evt.Type, "payload_type", fmt.Sprintf("%T", evt.Payload))
		ack(nil)
		return
	}

	log := logger.NewLoggerContext(o.logger.With(
		"stage", stageName,
		"task_id", rec.TaskID,
		"record_id", rec.RecordID,
	))
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_record",
		trace.WithAttributes(
			attribute.String("stage", stageName),
			attribute.String("event_type", string(evt.Type)),
			attribute.Int64("task_id", int64(rec.TaskID)),
			attribute.String("record_id", rec.RecordID),
			attribute.Bool("redelivered", evt.Metadata.Redelivered),
		))
	defer span.End()

	if killed, err := o.killed(ctx, rec.TaskID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kill check failed")
		log.Warn(ctx, "kill check failed, leaving record for redelivery", "error", err)
		ack(err)
		return
	} else if killed {
		o.metrics.IncRecordsDroppedKilled(ctx, stageName)
		span.AddEvent("task_killed")
		log.Debug(ctx, "dropping record of killed task")
		ack(nil)
		return
	}

	def, err := o.defs.Definition(ctx, rec.TaskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		span.AddEvent("unknown_task")
		log.Warn(ctx, "dropping record of unknown task")
		ack(nil)
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "definition lookup failed")
		log.Warn(ctx, "definition lookup failed, leaving record for redelivery", "error", err)
		ack(err)
		return
	}

	start := time.Now()
	res, err := b.stage.Process(pipeline.WithDefinition(ctx, def), rec)
	elapsed := time.Since(start)
	o.metrics.ObserveStageDuration(ctx, stageName, elapsed)

	switch {
	case errors.Is(err, pipeline.ErrRedeliver):
		o.metrics.IncRecordsRedelivered(ctx, stageName)
		span.RecordError(err)
		log.Info(ctx, "stage asked for redelivery", "error", err)
		ack(err)
		return
	case err != nil:
		res = failure(rec, stageName, err)
		o.metrics.IncRecordsFailed(ctx, stageName)
		span.RecordError(err)
		log.Warn(ctx, "record failed", "error", err)
	}

	for ch := range res.Outputs {
		if !b.spec.Declares(ch) {
			uerr := &pipeline.UnknownChannelError{Stage: stageName, Channel: ch}
			res = failure(rec, stageName, uerr)
			o.metrics.IncRecordsFailed(ctx, stageName)
			span.RecordError(uerr)
			log.Error(ctx, "stage emitted on an undeclared channel", "channel", ch)
			break
		}
	}

	// A kill requested while Process ran suppresses every effect.
	if killed, err := o.killed(ctx, rec.TaskID); err == nil && killed {
		o.metrics.IncRecordsDroppedKilled(ctx, stageName)
		span.AddEvent("task_killed_during_process")
		ack(nil)
		return
	}

	if err := o.publish(ctx, b, rec, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		log.Warn(ctx, "failed to publish outputs, leaving record for redelivery", "error", err)
		ack(err)
		return
	}

	if res.Notification != nil {
		evt := withProcessingTime(*res.Notification, elapsed)
		if err := o.notifier.Notify(ctx, evt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "notify failed")
			log.Warn(ctx, "failed to report notification, leaving record for redelivery", "error", err)
			ack(err)
			return
		}
	}

	o.metrics.IncRecordsProcessed(ctx, stageName)
	span.SetStatus(codes.Ok, "record handled")
	ack(nil)
}

func (o *Orchestrator) killed(ctx context.Context, id task.ID) (bool, error) {
	return o.kill.IsSet(ctx, id)
}

// publish writes every output of res. Output records without a trace get one
// derived from the input's, so a redelivered input produces the same ids.
func (o *Orchestrator) publish(ctx context.Context, b *boundStage, in pipeline.Record, res pipeline.Result) error {
	n := 0
	for _, ch := range slices.Sorted(maps.Keys(res.Outputs)) {
		for i, out := range res.Outputs[ch] {
			if out.Trace == uuid.Nil {
				out.Trace = uuid.NewSHA1(in.Trace, fmt.Appendf(nil, "%s/%s/%d", b.spec.Name, ch, i))
			}
			if err := Enqueue(ctx, o.bus, ch, out); err != nil {
				return err
			}
			n++
		}
	}
	if n > 0 {
		o.metrics.AddRecordsPublished(ctx, b.spec.Name, n)
	}
	return nil
}

// failure is the result of a per-record failure: no outputs and an ERROR
// notification carrying the cause.
func failure(rec pipeline.Record, stage string, err error) pipeline.Result {
	var res pipeline.Result
	res.Notify(rec.Notify(stage, task.OutcomeError, err.Error()))
	return res
}

func withProcessingTime(evt task.NotificationEvent, d time.Duration) task.NotificationEvent {
	if _, ok := evt.AdditionalInfo[task.InfoProcessingTime]; ok {
		return evt
	}
	info := make(map[string]string, len(evt.AdditionalInfo)+1)
	maps.Copy(info, evt.AdditionalInfo)
	info[task.InfoProcessingTime] = fmt.Sprint(d.Milliseconds())
	evt.AdditionalInfo = info
	return evt
}
