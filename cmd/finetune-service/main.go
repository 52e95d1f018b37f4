// finetune-service is the HTTP API server for managing fine-tuning jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"finetuner/internal/api"
	"finetuner/internal/callback"
	"finetuner/internal/config"
	"finetuner/internal/dataset"
	"finetuner/internal/dispatcher"
	"finetuner/internal/eventbus"
	"finetuner/internal/health"
	"finetuner/internal/job/service"
	"finetuner/internal/observability"
	"finetuner/internal/provider"
	"finetuner/internal/storage"
	"finetuner/internal/store"
	"finetuner/internal/store/postgres"
	"finetuner/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	collector := observability.NewCollector()

	healthChecker := health.NewChecker()

	// Job store: Postgres when configured, in-memory otherwise.
	var jobStore store.Store
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		pg := postgres.New(pool)
		jobStore = pg
		healthChecker.Require("database", pg.Ping)
		slog.Info("Connected to PostgreSQL")
	} else {
		jobStore = store.NewMemory()
		slog.Warn("No DATABASE_URL configured, using in-memory store")
	}

	// Broker and event bus share one Redis connection. Without Redis the
	// dispatcher runs jobs inline and events fan out in-process only.
	var (
		broker *dispatcher.RedisBroker
		bus    eventbus.Bus
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, degrading to inline execution", "error", err)
			bus = eventbus.NewMemory()
		} else {
			broker = dispatcher.NewRedisBroker(rdb, dispatcher.RedisConfig{})
			bus = eventbus.NewRedis(rdb)
			healthChecker.Optional("redis", broker.Ping)
			slog.Info("Connected to Redis", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Warn("No REDIS_ADDR configured, using inline execution and in-memory events")
		bus = eventbus.NewMemory()
	}
	defer bus.Close()

	// Provider client
	var providerClient provider.Client
	if cfg.FakeProvider {
		providerClient = provider.Succeeding("ft:demo-model")
		slog.Warn("Using fake provider")
	} else {
		providerClient = provider.NewHTTPClient(provider.HTTPConfig{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
		})
	}
	healthChecker.Require("provider", providerClient.Ready)

	// Callback delivery pool
	notifier := callback.NewNotifier(callback.Config{
		BufferSize: cfg.CallbackBuffer,
		Workers:    cfg.CallbackWorkers,
	})

	// Worker, dispatcher, service
	jobWorker := worker.New(worker.Options{
		Store:     jobStore,
		Provider:  providerClient,
		Bus:       bus,
		Notifier:  notifier,
		Metrics:   metrics,
		Collector: collector,
		Config: worker.Config{
			PollInterval: cfg.PollInterval,
			MaxPolls:     cfg.MaxPolls,
		},
	})

	var jobDispatcher *dispatcher.Dispatcher
	if broker != nil {
		jobDispatcher = dispatcher.New(jobStore, broker, jobWorker, metrics)
	} else {
		jobDispatcher = dispatcher.New(jobStore, nil, jobWorker, metrics)
	}

	jobService := service.New(jobStore, jobDispatcher, metrics)

	// Dataset object storage
	var objects storage.ObjectStore
	if cfg.StorageBucket != "" {
		objects, err = storage.NewS3Store(ctx, cfg.StorageBucket, cfg.StorageEndpoint)
		if err != nil {
			return err
		}
		slog.Info("Using S3 object storage", "bucket", cfg.StorageBucket)
	} else {
		objects, err = storage.NewDirStore(cfg.StorageDir)
		if err != nil {
			return err
		}
		slog.Warn("No STORAGE_BUCKET configured, using local directory", "dir", cfg.StorageDir)
	}
	versioner := dataset.NewVersioner(jobStore, objects)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Versioner:     versioner,
		Bus:           bus,
		Metrics:       metrics,
		Collector:     collector,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Wait for inline workers. Queued jobs survive in Redis and
	// are picked up by worker processes.
	slog.Info("Waiting for inline workers")
	jobDispatcher.Wait()

	// Phase 4: Drain the callback queue
	slog.Info("Draining callback notifier")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Callback notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Callback stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
