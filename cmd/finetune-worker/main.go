// finetune-worker consumes the Redis job queue: it claims job ids, runs the
// reconciliation loop for each and acks on completion. Multiple worker
// processes can run side by side; the broker's claim semantics keep each
// job on exactly one of them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"finetuner/internal/callback"
	"finetuner/internal/config"
	"finetuner/internal/dispatcher"
	"finetuner/internal/eventbus"
	"finetuner/internal/observability"
	"finetuner/internal/provider"
	"finetuner/internal/store"
	"finetuner/internal/store/postgres"
	"finetuner/internal/worker"
)

const (
	claimTimeout   = 5 * time.Second
	heartbeatEvery = 30 * time.Second
	reaperEvery    = time.Minute
	reaperBatch    = 100
	drainTimeout   = 10 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required for the worker process")
	}

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	collector := observability.NewCollector()

	var jobStore store.Store
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		jobStore = postgres.New(pool)
		slog.Info("Connected to PostgreSQL")
	} else {
		// Only useful for local smoke runs; worker and service must share a
		// database in a real deployment.
		jobStore = store.NewMemory()
		slog.Warn("No DATABASE_URL configured, using in-memory store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	broker := dispatcher.NewRedisBroker(rdb, dispatcher.RedisConfig{})
	bus := eventbus.NewRedis(rdb)
	defer bus.Close()
	slog.Info("Connected to Redis", "addr", cfg.RedisAddr)

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

	notifier := callback.NewNotifier(callback.Config{
		BufferSize: cfg.CallbackBuffer,
		Workers:    cfg.CallbackWorkers,
	})

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
	jobDispatcher := dispatcher.New(jobStore, broker, jobWorker, metrics)

	// Reaper: claims stranded by crashed workers go back on the queue.
	go func() {
		ticker := time.NewTicker(reaperEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				moved, err := broker.RequeueStale(ctx, reaperBatch)
				if err != nil {
					slog.Warn("Requeue of stale claims failed", "error", err)
					continue
				}
				if moved > 0 {
					slog.Info("Requeued stale claims", "count", moved)
				}
			}
		}
	}()

	slog.Info("Worker started", "pollInterval", cfg.PollInterval, "maxPolls", cfg.MaxPolls)

	for ctx.Err() == nil {
		jobID, err := broker.Claim(ctx, claimTimeout)
		if err != nil {
			if errors.Is(err, dispatcher.ErrNoJob) || ctx.Err() != nil {
				continue
			}
			slog.Warn("Claim failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		slog.Info("Claimed job", "jobId", jobID)
		runClaimed(ctx, jobDispatcher, broker, jobID)
		if err := broker.Ack(context.WithoutCancel(ctx), jobID); err != nil {
			slog.Warn("Ack failed", "jobId", jobID, "error", err)
		}
	}

	shutdownWait(jobDispatcher, notifier)
	return nil
}

// runClaimed executes the job while keeping its claim lease fresh, so the
// reaper never requeues an id that is still being worked on.
func runClaimed(ctx context.Context, d *dispatcher.Dispatcher, broker *dispatcher.RedisBroker, jobID string) {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := broker.Heartbeat(hbCtx, jobID); err != nil {
					slog.Warn("Claim heartbeat failed", "jobId", jobID, "error", err)
				}
			}
		}
	}()

	if err := d.RunClaimed(ctx, jobID); err != nil {
		slog.Error("Job run failed", "jobId", jobID, "error", err)
	}
}

func shutdownWait(jobDispatcher *dispatcher.Dispatcher, notifier *callback.Notifier) {
	// Let active loops reach their cancellation checkpoint and persist.
	slog.Info("Shutting down, waiting for active jobs")
	jobDispatcher.Wait()

	notifierCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Callback notifier shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
