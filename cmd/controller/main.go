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

	"github.com/ahrav/harvest-armada/internal/app/controller"
	controllermetrics "github.com/ahrav/harvest-armada/internal/app/controller/metrics"
	"github.com/ahrav/harvest-armada/internal/bootstrap"
	"github.com/ahrav/harvest-armada/internal/config"
	eventdispatcher "github.com/ahrav/harvest-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/harvest-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/harvest-armada/internal/infra/storage"
	"github.com/ahrav/harvest-armada/pkg/common"
)

const serviceType = "controller"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to a YAML config file")
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

	log := bootstrap.NewLogger(os.Stdout, serviceType, hostname, cfg.Service)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	pool, err := storage.NewPool(ctx, storage.PoolConfig{URL: cfg.Postgres.URL, MinConns: 5, MaxConns: cfg.Postgres.MaxConns})
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// The controller owns the schema; workers only read it.
	if err := storage.RunMigrations(ctx, pool, cfg.Postgres.MigrationsPath); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

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

	ctrlMetrics, err := controllermetrics.New(providers.Meter)
	if err != nil {
		log.Error(ctx, "failed to create controller metrics", "error", err)
		os.Exit(1)
	}

	ctrl := controller.NewController(
		cfg.Service.ID,
		eventBus,
		eventdispatcher.New(cfg.Service.ID, tracer, log),
		rt.Registry,
		log,
		ctrlMetrics,
		tracer,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	go func() {
		select {
		case <-ctrl.Ready():
			ready.Store(true)
			log.Info(ctx, "Controller initialized")
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
		log.Error(ctx, "Controller error", "error", err)
		_ = eventBus.Close()
		os.Exit(1)
	}
}
