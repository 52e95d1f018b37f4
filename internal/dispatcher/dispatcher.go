// Package dispatcher hands accepted jobs to background execution.
//
// Jobs normally go through the queue broker and are picked up by a worker
// process. When no broker is configured or the broker is down, the
// dispatcher degrades to running the worker inline in a goroutine; the
// degrade is logged but never fails the request.
//
// The job id is the deduplication key: at most one worker is active per job
// id at any time, and a second enqueue for an already-active id is a no-op.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"finetuner/internal/apperrors"
	"finetuner/internal/job"
	"finetuner/internal/observability"
	"finetuner/internal/store"
)

// Dispatch modes, recorded as a metric attribute.
const (
	modeQueued = "queued"
	modeInline = "inline"
)

// Runner executes the reconciliation loop for one job until it reaches a
// terminal state. Implemented by worker.Worker.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Broker is the queue contract. Absence (a nil Broker) means inline
// execution; a failing broker means the same, per request.
type Broker interface {
	// Enqueue hands a job id to the queue. Enqueueing an id that is already
	// queued is a no-op.
	Enqueue(ctx context.Context, jobID string) error

	// Claim blocks up to timeout for the next job id. Returns ErrNoJob when
	// nothing arrived in time.
	Claim(ctx context.Context, timeout time.Duration) (string, error)

	// Ack marks a claimed job id as done.
	Ack(ctx context.Context, jobID string) error

	// Revoke asks remote workers to skip the job if still queued.
	Revoke(ctx context.Context, jobID string) error

	// Ping checks broker connectivity.
	Ping(ctx context.Context) error
}

// Dispatcher routes jobs to queued or inline execution and tracks active
// local workers for dedup and cooperative cancellation.
type Dispatcher struct {
	store   store.Store
	broker  Broker
	runner  Runner
	metrics *observability.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. broker may be nil (inline-only deployment) and
// metrics may be nil (tests).
func New(st store.Store, broker Broker, runner Runner, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   st,
		broker:  broker,
		runner:  runner,
		metrics: metrics,
		logger:  slog.With("component", "dispatcher"),
		active:  make(map[string]context.CancelFunc),
	}
}

// Enqueue transitions the job PENDING->QUEUED and hands it off. Idempotent:
// a job already being worked locally is left alone.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) error {
	if d.isActive(jobID) {
		d.logger.Debug("Job already active, enqueue ignored", "jobId", jobID)
		return nil
	}

	if _, err := d.store.UpdateStatus(ctx, jobID, job.StatusQueued, store.Update{}); err != nil {
		return err
	}

	if d.broker != nil {
		if err := d.broker.Enqueue(ctx, jobID); err == nil {
			if d.metrics != nil {
				d.metrics.RecordDispatch(ctx, modeQueued)
			}
			d.logger.Info("Job queued", "jobId", jobID)
			return nil
		} else {
			d.logger.Warn("Broker unavailable, falling back to inline execution",
				"jobId", jobID, "error", apperrors.Infrastructure("broker.enqueue", err))
		}
	} else {
		d.logger.Warn("No broker configured, running job inline", "jobId", jobID)
	}

	d.runInline(jobID)
	if d.metrics != nil {
		d.metrics.RecordDispatch(ctx, modeInline)
	}
	return nil
}

// runInline starts a local worker goroutine for the job.
func (d *Dispatcher) runInline(jobID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	if !d.register(jobID, cancel) {
		cancel()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(jobID)
		if err := d.runner.Run(runCtx, jobID); err != nil {
			d.logger.Error("Inline worker finished with error", "jobId", jobID, "error", err)
		}
	}()
}

// RunClaimed executes a job claimed from the broker in this process,
// registering it for dedup and cancellation. Used by the worker process.
func (d *Dispatcher) RunClaimed(ctx context.Context, jobID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !d.register(jobID, cancel) {
		d.logger.Debug("Job already active, claim ignored", "jobId", jobID)
		return nil
	}
	defer d.release(jobID)

	return d.runner.Run(runCtx, jobID)
}

// Cancel requests cooperative cancellation of a job: the persisted flag for
// remote workers, a broker revoke in case the job is still queued, and a
// context cancel for a locally active worker. The worker applies CANCELLED
// at its next iteration checkpoint.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if err := d.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}

	if d.broker != nil {
		if err := d.broker.Revoke(ctx, jobID); err != nil {
			d.logger.Warn("Broker revoke failed", "jobId", jobID, "error", err)
		}
	}

	d.mu.Lock()
	cancel, ok := d.active[jobID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Active reports whether a worker for the job id runs in this process.
func (d *Dispatcher) Active(jobID string) bool {
	return d.isActive(jobID)
}

// Wait blocks until all inline workers have finished. Used during shutdown
// and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) isActive(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[jobID]
	return ok
}

// register claims the dedup slot for jobID. Returns false if already held.
func (d *Dispatcher) register(jobID string, cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.active[jobID]; exists {
		return false
	}
	d.active[jobID] = cancel
	return true
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
}
