// Package worker runs the reconciliation loop for a single job.
//
// Training executes remotely at the provider; the worker only observes it,
// keeping the job record, its log stream and live subscribers in sync. The
// loop moves through STARTING → POLLING → TERMINATING_* phases. Phases are
// logged, never persisted: the job record only ever carries job statuses.
//
// Cancellation is cooperative and has exactly one checkpoint, at the top of
// each poll iteration. A worker is never preempted mid-iteration.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"finetuner/internal/apperrors"
	"finetuner/internal/callback"
	"finetuner/internal/eventbus"
	"finetuner/internal/job"
	"finetuner/internal/observability"
	"finetuner/internal/provider"
	"finetuner/internal/store"
)

// Loop phases, for log lines only.
const (
	phaseStarting             = "STARTING"
	phasePolling              = "POLLING"
	phaseTerminatingSuccess   = "TERMINATING_SUCCESS"
	phaseTerminatingFailure   = "TERMINATING_FAILURE"
	phaseTerminatingTimeout   = "TERMINATING_TIMEOUT"
	phaseTerminatingCancelled = "TERMINATING_CANCELLED"
)

const (
	// DefaultPollInterval is the fixed delay between poll iterations.
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxPolls bounds the loop. Combined with DefaultPollInterval
	// this gives a stuck job one hour before it is failed deterministically.
	DefaultMaxPolls = 720
)

// Config bounds the polling loop.
type Config struct {
	PollInterval time.Duration
	MaxPolls     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	return c
}

// Options carries the worker's collaborators. Store and Provider are
// required; the rest may be nil and are skipped.
type Options struct {
	Store     store.Store
	Provider  provider.Client
	Bus       eventbus.Bus
	Notifier  *callback.Notifier
	Metrics   *observability.Metrics
	Collector *observability.Collector
	Config    Config
}

// Worker drives one job at a time from RUNNING to a terminal state.
type Worker struct {
	store     store.Store
	provider  provider.Client
	bus       eventbus.Bus
	notifier  *callback.Notifier
	metrics   *observability.Metrics
	collector *observability.Collector
	config    Config
}

// New creates a worker.
func New(opts Options) *Worker {
	return &Worker{
		store:     opts.Store,
		provider:  opts.Provider,
		bus:       opts.Bus,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		collector: opts.Collector,
		config:    opts.Config.withDefaults(),
	}
}

// Run executes the reconciliation loop for jobID until the job reaches a
// terminal state. A panic anywhere in the loop still persists FAILED before
// the fault is surfaced; a job is never left non-terminal by a crash.
func (w *Worker) Run(ctx context.Context, jobID string) (err error) {
	logger := slog.With("component", "worker", "jobId", jobID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker panicked", "panic", r)
			w.persistFault(jobID, fmt.Sprintf("worker fault: %v", r))
			err = apperrors.Internal("worker.run", fmt.Errorf("panic: %v", r))
		}
	}()

	j, err := w.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		logger.Debug("Job already terminal, nothing to do", "status", j.Status)
		return nil
	}

	logger.Info("Worker loop starting", "phase", phaseStarting, "jobType", j.Type)

	// The active gauges must come back down on every exit path, including
	// races settled by another writer and the panic path above.
	if w.metrics != nil {
		w.metrics.RecordWorkerStarted(ctx, j.Type)
		defer w.metrics.RecordWorkerFinished(ctx, j.Type)
	}
	if w.collector != nil {
		w.collector.AddActiveJobs(1)
		defer w.collector.AddActiveJobs(-1)
	}

	// A cancel that arrived while the job sat in the queue wins before any
	// provider work happens.
	if w.cancelRequested(ctx, jobID) {
		return w.terminateCancelled(ctx, logger, j)
	}

	j, err = w.start(ctx, logger, j)
	if err != nil || j == nil {
		return err
	}

	return w.poll(ctx, logger, j)
}

// start applies RUNNING and makes sure the provider-side run exists.
// Returns (nil, nil) when the job was concurrently finished by another
// writer and there is nothing left to do.
func (w *Worker) start(ctx context.Context, logger *slog.Logger, j *job.Job) (*job.Job, error) {
	updated, err := w.store.UpdateStatus(ctx, j.ID, job.StatusRunning, store.Update{})
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			// Lost the race against a cancel; the record is already settled.
			if cur, gerr := w.store.Get(ctx, j.ID); gerr == nil && cur.Status.IsTerminal() {
				logger.Info("Job settled before start", "status", cur.Status)
				return nil, nil
			}
		}
		return nil, err
	}
	j = updated

	w.appendLog(ctx, logger, j.ID, job.LevelInfo, "Job started")
	w.publish(ctx, j.ID, job.StatusEvent(j))

	if j.ProviderJobID != "" {
		return j, nil // resuming a run that was already submitted
	}

	remoteID, err := w.provider.CreateJob(ctx, provider.CreateRequest{
		Model:          j.Model,
		TrainingFileID: j.DatasetVersionID,
		Hyperparams:    j.Config,
		Suffix:         j.ID,
	})
	if err != nil {
		logger.Error("Provider submit failed", "error", err)
		msg := fmt.Sprintf("provider submit failed: %v", err)
		w.appendLog(ctx, logger, j.ID, job.LevelError, msg)
		return nil, w.terminateFailed(ctx, logger, j, msg)
	}

	j, err = w.store.UpdateStatus(ctx, j.ID, job.StatusRunning, store.Update{ProviderJobID: &remoteID})
	if err != nil {
		return nil, err
	}
	logger.Info("Provider run submitted", "providerJobId", remoteID)
	return j, nil
}

// poll is the bounded reconciliation loop. Every iteration consumes budget,
// including iterations spent on transient provider failures.
func (w *Worker) poll(ctx context.Context, logger *slog.Logger, j *job.Job) error {
	logger.Info("Polling provider", "phase", phasePolling,
		"interval", w.config.PollInterval, "maxPolls", w.config.MaxPolls)

	for i := 1; i <= w.config.MaxPolls; i++ {
		if w.cancelRequested(ctx, j.ID) {
			return w.terminateCancelled(ctx, logger, j)
		}

		snap, err := w.queryProvider(ctx, j)
		if err != nil {
			w.appendLog(ctx, logger, j.ID, job.LevelError, fmt.Sprintf("Error polling status: %v", err))
			w.publish(ctx, j.ID, job.ErrorEvent(j.ID, err))
			w.sleep(ctx)
			continue
		}

		next := provider.MapStatus(snap.Status)
		updated, err := w.store.UpdateStatus(ctx, j.ID, next, snapshotUpdate(snap))
		if err != nil {
			if errors.Is(err, apperrors.ErrValidation) {
				if cur, gerr := w.store.Get(ctx, j.ID); gerr == nil && cur.Status.IsTerminal() {
					logger.Info("Job settled by another writer", "status", cur.Status)
					return nil
				}
				// Provider reported a status with no edge from the current
				// state. The job is unchanged; keep observing.
				w.appendLog(ctx, logger, j.ID, job.LevelError,
					fmt.Sprintf("Rejected status update: %v", err))
				w.sleep(ctx)
				continue
			}
			return err
		}
		j = updated

		w.appendLog(ctx, logger, j.ID, job.LevelInfo, fmt.Sprintf("Status: %s", j.Status))
		w.publish(ctx, j.ID, job.StatusEvent(j))

		if j.Status.IsTerminal() {
			return w.terminate(ctx, logger, j)
		}
		w.sleep(ctx)
	}

	return w.terminateTimeout(ctx, logger, j)
}

// queryProvider wraps one GetStatus call with latency and error metrics.
func (w *Worker) queryProvider(ctx context.Context, j *job.Job) (*provider.Snapshot, error) {
	remoteID := j.ProviderJobID
	if remoteID == "" {
		remoteID = j.ID
	}

	start := time.Now()
	snap, err := w.provider.GetStatus(ctx, remoteID)
	if w.metrics != nil {
		w.metrics.RecordProviderPoll(ctx, time.Since(start).Seconds(), err != nil)
	}
	return snap, err
}

// snapshotUpdate lifts the provider-reported fields into a store update.
func snapshotUpdate(snap *provider.Snapshot) store.Update {
	var upd store.Update
	if snap.Error != "" {
		upd.Error = &snap.Error
	}
	if snap.OutputRef != "" {
		upd.OutputRef = &snap.OutputRef
	}
	if snap.Progress > 0 {
		upd.Progress = &snap.Progress
	}
	return upd
}

// cancelRequested reports whether the worker should stop: a dead context or
// the persisted cancel flag. Flag read failures are degraded to "no".
func (w *Worker) cancelRequested(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	requested, err := w.store.CancelRequested(ctx, jobID)
	if err != nil {
		slog.Warn("Cancel flag read failed", "jobId", jobID, "error", err)
		return false
	}
	return requested
}

// terminate finishes a job that the provider drove to a terminal status.
func (w *Worker) terminate(ctx context.Context, logger *slog.Logger, j *job.Job) error {
	switch j.Status {
	case job.StatusSucceeded:
		logger.Info("Job completed", "phase", phaseTerminatingSuccess, "outputRef", j.OutputRef)
		w.appendLog(ctx, logger, j.ID, job.LevelInfo,
			fmt.Sprintf("Job completed successfully, model: %s", j.OutputRef))
	case job.StatusFailed:
		logger.Error("Job failed", "phase", phaseTerminatingFailure, "error", j.Error)
		w.appendLog(ctx, logger, j.ID, job.LevelError, fmt.Sprintf("Job failed: %s", j.Error))
	case job.StatusCancelled:
		logger.Warn("Job cancelled", "phase", phaseTerminatingCancelled)
		w.appendLog(ctx, logger, j.ID, job.LevelWarning, "Job cancelled by user")
	}

	w.publish(ctx, j.ID, job.StatusEvent(j))
	w.recordCompletion(ctx, j)
	w.notify(logger, j)
	return nil
}

// terminateCancelled honours a cooperative cancel: best-effort provider
// cancel, then the CANCELLED transition.
func (w *Worker) terminateCancelled(ctx context.Context, logger *slog.Logger, j *job.Job) error {
	// ctx may already be dead; finishing the record must still happen.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if j.ProviderJobID != "" {
		if err := w.provider.Cancel(finishCtx, j.ProviderJobID); err != nil {
			logger.Warn("Provider cancel failed", "error", err)
		}
	}

	updated, err := w.store.UpdateStatus(finishCtx, j.ID, job.StatusCancelled, store.Update{})
	if err != nil {
		if cur, gerr := w.store.Get(finishCtx, j.ID); gerr == nil && cur.Status.IsTerminal() {
			return nil
		}
		return err
	}
	return w.terminate(finishCtx, logger, updated)
}

// terminateTimeout fails a job whose budget ran out while the provider kept
// reporting a non-terminal status.
func (w *Worker) terminateTimeout(ctx context.Context, logger *slog.Logger, j *job.Job) error {
	terr := apperrors.Timeout(fmt.Sprintf("polling timeout: no terminal status after %d polls", w.config.MaxPolls))
	logger.Error("Polling budget exhausted", "phase", phaseTerminatingTimeout,
		"maxPolls", w.config.MaxPolls, "error", terr)
	return w.terminateFailed(ctx, logger, j, terr.Error())
}

// terminateFailed applies FAILED with a persisted message.
func (w *Worker) terminateFailed(ctx context.Context, logger *slog.Logger, j *job.Job, msg string) error {
	updated, err := w.store.UpdateStatus(ctx, j.ID, job.StatusFailed, store.Update{Error: &msg})
	if err != nil {
		if cur, gerr := w.store.Get(ctx, j.ID); gerr == nil && cur.Status.IsTerminal() {
			return nil
		}
		return err
	}
	return w.terminate(ctx, logger, updated)
}

// persistFault is the panic path: mark the job FAILED on a fresh context so
// the fault message survives even when the run context is gone.
func (w *Worker) persistFault(jobID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := slog.With("component", "worker", "jobId", jobID)
	updated, err := w.store.UpdateStatus(ctx, jobID, job.StatusFailed, store.Update{Error: &msg})
	if err != nil {
		logger.Error("Failed to persist fault", "error", err)
		return
	}
	w.appendLog(ctx, logger, jobID, job.LevelCritical, msg)
	w.publish(ctx, jobID, job.StatusEvent(updated))
	w.recordCompletion(ctx, updated)
	w.notify(logger, updated)
}

// appendLog writes a job log record and mirrors it to live subscribers.
func (w *Worker) appendLog(ctx context.Context, logger *slog.Logger, jobID string, level job.LogLevel, msg string) {
	if _, err := w.store.AppendLog(ctx, jobID, level, msg); err != nil {
		logger.Warn("Log append failed", "error", err)
	}
	w.publish(ctx, jobID, job.LogEventMessage(jobID, level, msg))
}

func (w *Worker) publish(ctx context.Context, jobID string, ev job.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, jobID, ev); err != nil {
		slog.Debug("Event publish failed", "jobId", jobID, "error", err)
	}
}

func (w *Worker) recordCompletion(ctx context.Context, j *job.Job) {
	if w.metrics != nil {
		w.metrics.RecordJobCompleted(ctx, j.Type, string(j.Status), j.Duration().Seconds())
	}
	if w.collector != nil {
		w.collector.RecordJobCompletion(j)
	}
}

// notify queues the completion webhook, if the job asked for one.
func (w *Worker) notify(logger *slog.Logger, j *job.Job) {
	if w.notifier == nil || j.CallbackURL == "" {
		return
	}
	if err := w.notifier.Notify(callback.JobEvent(j)); err != nil {
		logger.Warn("Callback enqueue failed", "error", err)
	}
}

// sleep waits one poll interval, returning early when the context dies; the
// cancellation checkpoint at the top of the next iteration handles it.
func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
