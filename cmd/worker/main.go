package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	ledgersvc "github.com/ahrav/harvest-armada/internal/app/ledger"
	"github.com/ahrav/harvest-armada/internal/app/orchestrator"
	"github.com/ahrav/harvest-armada/internal/app/stages"
	"github.com/ahrav/harvest-armada/internal/bootstrap"
	"github.com/ahrav/harvest-armada/internal/config"
	"github.com/ahrav/harvest-armada/internal/config/fileloader"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/kafka"
	httpfetch "github.com/ahrav/harvest-armada/internal/infra/fetch/http"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
	"github.com/ahrav/harvest-armada/pkg/common"
)

const serviceType = "worker"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to a YAML config file")
	topologyPath := flag.String("topology", "", "path to the pipeline topology, overrides pipeline.topology_file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(serviceType, *configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Service.ID == "" {
		cfg.Service.ID = hostname
	}
	if *topologyPath != "" {
		cfg.Pipeline.TopologyFile = *topologyPath
	}
	if cfg.Pipeline.TopologyFile == "" {
		log.Fatalf("no topology file configured")
	}

	log := bootstrap.NewLogger(os.Stdout, serviceType, hostname, cfg.Service)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loader config.TopologyLoader = fileloader.NewFileLoader(cfg.Pipeline.TopologyFile)
	topology, err := loader.Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load topology", "error", err, "path", cfg.Pipeline.TopologyFile)
		os.Exit(1)
	}

	providers, telemetryTeardown, err := bootstrap.Telemetry(log, hostname, cfg)
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := providers.Tracer.Tracer(cfg.Service.Name)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Health.Address, ready)
	defer func() {
		if err := healthServer.Server().Shutdown(context.Background()); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	pool, err := storage.NewPool(ctx, storage.PoolConfig{URL: cfg.Postgres.URL, MinConns: 2, MaxConns: cfg.Postgres.MaxConns})
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	flags, closeFlags, err := bootstrap.KillFlags(ctx, cfg, pool, tracer)
	if err != nil {
		log.Error(ctx, "failed to open kill flag store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeFlags(); err != nil {
			log.Error(ctx, "failed to close kill flag store", "error", err)
		}
	}()

	rt, err := bootstrap.NewRuntime(cfg, pool, flags, log, tracer, providers.Meter)
	if err != nil {
		log.Error(ctx, "failed to create runtime", "error", err)
		os.Exit(1)
	}

	kafkaCfg := bootstrap.KafkaConfig(cfg, serviceType, hostname)
	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{Brokers: cfg.Kafka.Brokers, ClientID: kafkaCfg.ClientID})
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	busMetrics, err := kafka.NewEventBusMetrics(providers.Meter)
	if err != nil {
		log.Error(ctx, "failed to create event bus metrics", "error", err)
		os.Exit(1)
	}

	eventBus, err := kafka.ConnectEventBus(kafkaCfg, kafkaClient, log, busMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}

	factory := orchestrator.NewStageFactory()
	stages.Register(factory, stages.Deps{
		Fetcher: httpfetch.New(httpfetch.Config{
			Timeout:           cfg.Fetch.Timeout,
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
			Burst:             cfg.Fetch.Burst,
			MaxBytes:          cfg.Fetch.MaxBytes,
		}),
		Categorizer: ledgersvc.NewCategorizer(rt.Ledger, rt.Retry, log, tracer),
		Retry:       rt.Retry,
		Logger:      log,
		Tracer:      tracer,
	})

	orchMetrics, err := orchestrator.NewMetrics(providers.Meter)
	if err != nil {
		log.Error(ctx, "failed to create orchestrator metrics", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(
		topology,
		factory,
		eventBus,
		rt.Registry,
		rt.Signal,
		orchestrator.NewBusNotifier(eventBus),
		log,
		tracer,
		orchMetrics,
	)
	if err != nil {
		log.Error(ctx, "failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := orch.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	go func() {
		select {
		case <-orch.Ready():
			ready.Store(true)
			log.Info(ctx, "Worker initialized", "topology", topology.Name)
		case <-ctx.Done():
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		ready.Store(false)
		if err := eventBus.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close event bus", "error", err)
		}

	case err := <-errCh:
		log.Error(ctx, "Worker error", "error", err)
		_ = eventBus.Close()
		os.Exit(1)
	}
}
