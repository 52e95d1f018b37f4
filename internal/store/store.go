// Package store defines the persistence contract for jobs, job logs and
// dataset versions, and provides in-memory and Postgres implementations.
//
// UpdateStatus is the single mutation path for job status. Implementations
// must perform the read-validate-write sequence atomically per job id so a
// cancellation request racing a worker's own update cannot produce a lost
// update or an invalid transition.
package store

import (
	"context"
	"encoding/json"

	"finetuner/internal/job"
)

// Update carries the optional fields applied together with a status change.
// Nil fields are left untouched.
type Update struct {
	Error         *string
	Progress      *float64
	OutputRef     *string
	ProviderJobID *string
	Metrics       json.RawMessage
}

// Filter narrows job listings.
type Filter struct {
	Status job.Status // zero value matches all
	Type   string     // zero value matches all
	Limit  int        // <= 0 means no limit
}

// LogFilter narrows job log listings.
type LogFilter struct {
	Level  job.LogLevel // zero value matches all
	Limit  int          // <= 0 means no limit
	Offset int
}

// Store is the persistence contract consumed by the job core.
type Store interface {
	// Create persists a new job record. The record must not already exist.
	Create(ctx context.Context, j *job.Job) error

	// Get returns the job or a NotFound error.
	Get(ctx context.Context, id string) (*job.Job, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]job.Job, error)

	// UpdateStatus atomically applies a validated status transition plus any
	// optional fields and the timestamp rules:
	//   - started_at is set once, on first entry into RUNNING
	//   - finished_at is set once, on first entry into a terminal state
	// A repeated identical status is idempotent: optional fields are applied
	// but timestamps are not touched. An invalid transition is rejected with
	// a validation error and the job is left unchanged. An output reference
	// is dropped when the resulting status is PENDING or QUEUED; it only
	// exists for a run that has started.
	UpdateStatus(ctx context.Context, id string, next job.Status, upd Update) (*job.Job, error)

	// AppendLog appends a log record, assigning the next per-job sequence
	// number. Log records are never mutated or deleted.
	AppendLog(ctx context.Context, jobID string, level job.LogLevel, message string) (*job.LogEvent, error)

	// Logs returns log records for a job in sequence order.
	Logs(ctx context.Context, jobID string, f LogFilter) ([]job.LogEvent, error)

	// RequestCancel sets the cooperative cancellation flag for a job. The
	// flag is readable across processes; workers check it once per poll
	// iteration.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reports whether cancellation has been requested.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// CreateDatasetVersion persists an immutable dataset version record.
	CreateDatasetVersion(ctx context.Context, v *job.DatasetVersion) error

	// DatasetVersions returns versions for a dataset, newest first.
	DatasetVersions(ctx context.Context, datasetID string, limit int) ([]job.DatasetVersion, error)

	// NextDatasetVersion returns the next monotonic version number for a
	// dataset (1 for the first version).
	NextDatasetVersion(ctx context.Context, datasetID string) (int, error)
}
