package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records per-stage record handling.
type Metrics interface {
	IncRecordsProcessed(ctx context.Context, stage string)
	IncRecordsFailed(ctx context.Context, stage string)
	IncRecordsDroppedKilled(ctx context.Context, stage string)
	IncRecordsRedelivered(ctx context.Context, stage string)
	AddRecordsPublished(ctx context.Context, stage string, n int)
	ObserveStageDuration(ctx context.Context, stage string, d time.Duration)
}

type orchestratorMetrics struct {
	processed     metric.Int64Counter
	failed        metric.Int64Counter
	droppedKilled metric.Int64Counter
	redelivered   metric.Int64Counter
	published     metric.Int64Counter
	duration      metric.Float64Histogram
}

const namespace = "pipeline_orchestrator"

// NewMetrics creates the orchestrator instruments on mp.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(orchestratorMetrics)
	var err error

	if m.processed, err = meter.Int64Counter(
		"records_processed_total",
		metric.WithDescription("Total number of records a stage processed and acknowledged"),
	); err != nil {
		return nil, err
	}

	if m.failed, err = meter.Int64Counter(
		"records_failed_total",
		metric.WithDescription("Total number of records reported as per-record failures"),
	); err != nil {
		return nil, err
	}

	if m.droppedKilled, err = meter.Int64Counter(
		"records_dropped_killed_total",
		metric.WithDescription("Total number of records dropped because their task was killed"),
	); err != nil {
		return nil, err
	}

	if m.redelivered, err = meter.Int64Counter(
		"records_redelivered_total",
		metric.WithDescription("Total number of records handed back to the delivery channel"),
	); err != nil {
		return nil, err
	}

	if m.published, err = meter.Int64Counter(
		"records_published_total",
		metric.WithDescription("Total number of records published to output channels"),
	); err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Time spent in a stage's Process call"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func stageAttr(stage string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stage", stage))
}

func (m *orchestratorMetrics) IncRecordsProcessed(ctx context.Context, stage string) {
	m.processed.Add(ctx, 1, stageAttr(stage))
}

func (m *orchestratorMetrics) IncRecordsFailed(ctx context.Context, stage string) {
	m.failed.Add(ctx, 1, stageAttr(stage))
}

func (m *orchestratorMetrics) IncRecordsDroppedKilled(ctx context.Context, stage string) {
	m.droppedKilled.Add(ctx, 1, stageAttr(stage))
}

func (m *orchestratorMetrics) IncRecordsRedelivered(ctx context.Context, stage string) {
	m.redelivered.Add(ctx, 1, stageAttr(stage))
}

func (m *orchestratorMetrics) AddRecordsPublished(ctx context.Context, stage string, n int) {
	m.published.Add(ctx, int64(n), stageAttr(stage))
}

func (m *orchestratorMetrics) ObserveStageDuration(ctx context.Context, stage string, d time.Duration) {
	m.duration.Record(ctx, d.Seconds(), stageAttr(stage))
}
