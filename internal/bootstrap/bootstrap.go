// Package bootstrap holds the process setup shared by the harvest binaries.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/app/cancellation"
	"github.com/ahrav/harvest-armada/internal/app/registry"
	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/config"
	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/kafka"
	bucketstore "github.com/ahrav/harvest-armada/internal/infra/storage/bucket/postgres"
	pgkill "github.com/ahrav/harvest-armada/internal/infra/storage/killflag/postgres"
	rediskill "github.com/ahrav/harvest-armada/internal/infra/storage/killflag/redis"
	ledgerstore "github.com/ahrav/harvest-armada/internal/infra/storage/ledger/postgres"
	taskstore "github.com/ahrav/harvest-armada/internal/infra/storage/task/postgres"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/otel"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

// NewLogger builds the process logger. Error records are mirrored to stderr
// as JSON with the active trace ID.
func NewLogger(w io.Writer, serviceType, hostname string, cfg config.ServiceConfig) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("%s-%s", cfg.Name, hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       cfg.ID,
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.LogLevel), svcName, traceIDFn, logEvents, metadata)
}

// KillFlags selects the kill flag backend. The returned close func releases
// backend connections; the pool is owned by the caller.
func KillFlags(
	ctx context.Context,
	cfg *config.Config,
	pool *pgxpool.Pool,
	tracer trace.Tracer,
) (task.KillFlagRepository, func() error, error) {
	if !cfg.Redis.Enabled {
		return pgkill.NewStore(pool, tracer), func() error { return nil }, nil
	}

	store, err := rediskill.NewStore(ctx, rediskill.Config{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, tracer)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// Runtime is the storage-backed core shared by the controller and workers.
type Runtime struct {
	Registry *registry.Service
	Signal   *cancellation.Signal
	Ledger   *ledgerstore.Store
	Retry    *retry.Executor
}

// NewRuntime wires the registry and cancellation signal over the PostgreSQL
// stores and the selected kill flag backend.
func NewRuntime(
	cfg *config.Config,
	pool *pgxpool.Pool,
	flags task.KillFlagRepository,
	log *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
) (*Runtime, error) {
	clock := timeutil.Default()
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, Delay: cfg.Retry.Delay}, log)

	signal := cancellation.NewSignal(flags, cancellation.Config{
		CacheSize: cfg.Cache.KillFlagSize,
		TTL:       cfg.Cache.KillFlagTTL,
	}, exec, clock, log, tracer)

	registryMetrics, err := registry.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry metrics: %w", err)
	}

	entries := ledgerstore.NewStore(pool, tracer)
	stores := registry.Stores{
		Tasks:         taskstore.NewTaskStore(pool, tracer),
		Notifications: taskstore.NewNotificationStore(pool, tracer),
		Buckets: bucketstore.NewStore(
			pool, cfg.Buckets.Ceiling, bucket.NewULIDGenerator(), clock, log, tracer,
		),
		Ledger: entries,
	}
	svc := registry.NewService(
		stores,
		signal,
		nil,
		exec,
		registry.CacheConfig{Size: cfg.Cache.DefinitionSize, TTL: cfg.Cache.DefinitionTTL},
		clock,
		log,
		tracer,
		registryMetrics,
	)

	return &Runtime{Registry: svc, Signal: signal, Ledger: entries, Retry: exec}, nil
}

// Telemetry initializes the OTLP providers unless telemetry is disabled.
func Telemetry(log *logger.Logger, hostname string, cfg *config.Config) (otel.Providers, func(context.Context), error) {
	endpoint := ""
	if cfg.Telemetry.Enabled {
		endpoint = cfg.Telemetry.Endpoint
	}
	return otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ServiceID:        cfg.Service.ID,
		ExporterEndpoint: endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     cfg.Service.ID,
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
	})
}

// KafkaConfig maps the loaded configuration onto the event bus settings.
func KafkaConfig(cfg *config.Config, serviceType, hostname string) *kafka.Config {
	clientID := cfg.Kafka.ClientID
	if clientID == "" {
		clientID = serviceType + "-" + hostname
	}
	return &kafka.Config{
		Brokers:             cfg.Kafka.Brokers,
		SubmissionTopic:     cfg.Kafka.SubmissionTopic,
		KillTopic:           cfg.Kafka.KillTopic,
		NotificationTopic:   cfg.Kafka.NotificationTopic,
		PipelineTopicPrefix: cfg.Kafka.PipelineTopicPrefix,
		DeadLetterTopic:     cfg.Kafka.DeadLetterTopic,
		GroupID:             cfg.Kafka.GroupID,
		ClientID:            clientID,
		ServiceType:         serviceType,
		MaxRedeliveries:     cfg.Kafka.MaxRedeliveries,
	}
}
