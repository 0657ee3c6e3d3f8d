package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/pipengine/internal/application/barrier"
	"github.com/aescanero/pipengine/internal/application/concurrency"
	"github.com/aescanero/pipengine/internal/application/events"
	"github.com/aescanero/pipengine/internal/application/orchestrator"
	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/internal/application/restraint"
	"github.com/aescanero/pipengine/internal/application/steps"
	"github.com/aescanero/pipengine/internal/application/waitnotify"
	"github.com/aescanero/pipengine/internal/application/workers"
	"github.com/aescanero/pipengine/internal/config"
	"github.com/aescanero/pipengine/internal/telemetry"
	eventsmemory "github.com/aescanero/pipengine/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/pipengine/pkg/adapters/events/redis"
	lockmemory "github.com/aescanero/pipengine/pkg/adapters/lock/memory"
	lockredis "github.com/aescanero/pipengine/pkg/adapters/lock/redis"
	"github.com/aescanero/pipengine/pkg/adapters/metrics/prometheus"
	storagememory "github.com/aescanero/pipengine/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/pipengine/pkg/adapters/storage/redis"
	"github.com/aescanero/pipengine/pkg/adapters/tasks"
	"github.com/aescanero/pipengine/pkg/api/grpc"
	"github.com/aescanero/pipengine/pkg/api/http"
	"github.com/aescanero/pipengine/pkg/api/websocket"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"

	prom "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

// backends are the storage and transport adapters selected by config
type backends struct {
	store     ports.Store
	locker    ports.Locker
	transport ports.EventBus
	// stream carries forwarded orchestration events to this replica's
	// websocket hub
	stream ports.EventBus
	close  func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pipengine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("backend", cfg.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize backends", zap.Error(err))
	}

	tracer, shutdownTracer, err := telemetry.NewTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector(prom.DefaultRegisterer)

	// Orchestration events
	eventWorker := events.NewWorker(cfg.Engine.EventBacklogWarn, logger)
	eventWorker.Start(ctx)
	eventBus := events.NewBus(eventWorker, metricsCollector, logger)
	eventBus.Register("metrics", events.NewMetricsHandler(metricsCollector))

	hub := websocket.NewHub(logger)
	if cfg.Engine.ForwardEventsToTransport {
		eventBus.Register("forwarder", events.NewForwarder(be.transport))
		if err := hub.Consume(ctx, be.stream); err != nil {
			logger.Fatal("failed to follow orchestration events", zap.Error(err))
		}
	} else {
		eventBus.Register("websocket", hub)
	}

	// Coordination services
	waits := waitnotify.New(be.store, logger)
	barriers := barrier.NewService(be.store, be.locker, waits, metricsCollector, barrier.Config{
		LockWait:       cfg.Engine.LockWait,
		LockLease:      cfg.Engine.LockLease,
		DefaultTimeout: cfg.Engine.BarrierTimeout,
	}, logger)
	restraints := restraint.NewService(be.store, be.locker, waits, metricsCollector, restraint.Config{
		LockWait:       cfg.Engine.LockWait,
		LockLease:      cfg.Engine.LockLease,
		DefaultTimeout: cfg.Engine.RestraintTimeout,
	}, logger)

	for name, capacity := range cfg.Engine.Restraints {
		r := &domain.ResourceRestraint{ID: name, Name: name, Capacity: capacity}
		if err := restraints.SaveRestraint(ctx, r); err != nil {
			logger.Fatal("failed to register restraint",
				zap.String("restraint", name),
				zap.Error(err))
		}
		logger.Info("restraint registered",
			zap.String("restraint", name),
			zap.Int("capacity", capacity))
	}

	registry := processor.NewRegistry()
	if err := steps.RegisterBuiltins(registry, steps.Dependencies{
		Barriers:   barriers,
		Restraints: restraints,
		Notifier:   waits,
		Logger:     logger,
	}); err != nil {
		logger.Fatal("failed to register steps", zap.Error(err))
	}

	taskExecutor, err := tasks.NewExecutor(&tasks.Config{
		Backend:   cfg.Tasks.Backend,
		Transport: be.transport,
		Notifier:  waits,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to create task executor", zap.Error(err))
	}

	engine := orchestrator.NewEngine(orchestrator.Dependencies{
		Store:      be.store,
		Locker:     be.locker,
		Registry:   registry,
		Waits:      waits,
		Barriers:   barriers,
		Restraints: restraints,
		Events:     eventBus,
		Transport:  be.transport,
		Tasks:      taskExecutor,
		Metrics:    metricsCollector,
		Tracer:     tracer,
		Logger:     logger,
	}, orchestrator.Config{
		Concurrency: concurrency.Config{
			LockWait:  cfg.Engine.LockWait,
			LockLease: cfg.Engine.LockLease,
		},
		MonitorInterval: cfg.Engine.MonitorInterval,
	})
	go engine.Monitor(ctx)

	// every redis stream reader holds its message until a worker handled it
	readers := 1
	if cfg.Backend != config.BackendMemory {
		readers = cfg.Workers.PoolSize
	}
	workerPool := workers.NewPool(workers.Config{
		Size:                cfg.Workers.PoolSize,
		Readers:             readers,
		QueueSize:           cfg.Workers.QueueSize,
		MaxAttempts:         cfg.Workers.MaxRetries,
		RetryBackoff:        cfg.Workers.RetryDelay,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
	}, be.transport, engine, metricsCollector, logger)

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:   cfg.HTTPPort,
		Engine: engine,
		Health: workerPool,
		Logger: logger,
	})
	httpServer.SetupWebSocket(hub.HandlePlanStream)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:           cfg.GRPCPort,
		Health:         workerPool,
		HealthInterval: cfg.Workers.HealthCheckInterval,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("pipengine started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("task_backend", cfg.Tasks.Backend))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	// Stops the monitor and transport subscriptions
	cancel()

	if err := eventWorker.Stop(shutdownCtx); err != nil {
		logger.Error("event worker shutdown error", zap.Error(err))
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}

	be.close()

	logger.Info("pipengine shut down complete")
}

// openBackends connects the configured storage, lock and transport
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory backend, state is lost on restart")

		transport := eventsmemory.NewInMemoryEventBus(logger)
		return &backends{
			store:     storagememory.NewStore(),
			locker:    lockmemory.NewLocker(),
			transport: transport,
			stream:    transport,
			close: func() {
				if err := transport.Close(); err != nil {
					logger.Error("event bus close error", zap.Error(err))
				}
			},
		}, nil
	}

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	transport, err := eventsredis.NewStreamsEventBus(redisClient, cfg.Redis.ConsumerGroup, consumer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	// Every replica streams every plan event, so the hub reads through a
	// group of its own
	stream, err := eventsredis.NewStreamsEventBus(redisClient, "pipengine-ws-"+consumer, consumer, logger,
		eventsredis.WithEphemeralGroup())
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket event bus: %w", err)
	}

	return &backends{
		store:     storageredis.NewStore(redisClient, cfg.Engine.StateTTL, logger),
		locker:    lockredis.NewLocker(redisClient, logger),
		transport: transport,
		stream:    stream,
		close: func() {
			for _, bus := range []ports.EventBus{stream, transport} {
				if err := bus.Close(); err != nil {
					logger.Error("event bus close error", zap.Error(err))
				}
			}
			if err := redisClient.Close(); err != nil {
				logger.Error("Redis close error", zap.Error(err))
			}
		},
	}, nil
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
