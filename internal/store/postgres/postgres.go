// Package postgres implements the job store on PostgreSQL via pgx.
//
// UpdateStatus runs inside a transaction with a row lock (SELECT ... FOR
// UPDATE) so the read-validate-write sequence is atomic per job id.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"finetuner/internal/apperrors"
	"finetuner/internal/job"
	"finetuner/internal/store"
)

// Store is a PostgreSQL-backed job store.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies database connectivity; used by the health checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, job_type, model, status, created_at, started_at, finished_at,
	progress, error, config, dataset_version_id, provider_job_id, output_ref, metrics, callback_url, callback_key`

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		status      string
		errText     *string
		dsVersion   *string
		providerID  *string
		outputRef   *string
		callbackURL *string
		callbackKey *string
		config      []byte
		metrics     []byte
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Model, &status, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		&j.Progress, &errText, &config, &dsVersion, &providerID, &outputRef, &metrics, &callbackURL, &callbackKey,
	)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if errText != nil {
		j.Error = *errText
	}
	if dsVersion != nil {
		j.DatasetVersionID = *dsVersion
	}
	if providerID != nil {
		j.ProviderJobID = *providerID
	}
	if outputRef != nil {
		j.OutputRef = *outputRef
	}
	if callbackURL != nil {
		j.CallbackURL = *callbackURL
	}
	if callbackKey != nil {
		j.CallbackKey = *callbackKey
	}
	j.Config = json.RawMessage(config)
	j.Metrics = json.RawMessage(metrics)
	return &j, nil
}

func (s *Store) Create(ctx context.Context, j *job.Job) error {
	const q = `
INSERT INTO jobs (id, job_type, model, status, created_at, progress, config,
	dataset_version_id, output_ref, metrics, callback_url, callback_key, cancel_requested)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, NULLIF($11, ''), NULLIF($12, ''), false)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := s.pool.Exec(ctx, q,
		j.ID, j.Type, j.Model, string(j.Status), j.CreatedAt, j.Progress,
		j.Config, j.DatasetVersionID, j.OutputRef, j.Metrics, j.CallbackURL, j.CallbackKey,
	)
	if err != nil {
		return apperrors.Internal("postgres.createJob", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	j, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Internal("postgres.getJob", err)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR job_type = $2)
ORDER BY created_at DESC
LIMIT CASE WHEN $3 > 0 THEN $3 END;`

	rows, err := s.pool.Query(ctx, q, string(f.Status), f.Type, f.Limit)
	if err != nil {
		return nil, apperrors.Internal("postgres.listJobs", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("postgres.listJobs", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id string, next job.Status, upd store.Update) (*job.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, apperrors.Internal("postgres.updateStatus", err)
	}
	defer tx.Rollback(ctx)

	var current string
	var startedAt, finishedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT status, started_at, finished_at FROM jobs WHERE id = $1 FOR UPDATE;`, id,
	).Scan(&current, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Internal("postgres.updateStatus", err)
	}

	nxt, known := job.ParseStatus(string(next))
	if !known {
		return nil, apperrors.InvalidTransition(id, current, string(next))
	}

	now := time.Now().UTC()
	if nxt != job.Status(current) {
		if !job.CanTransition(job.Status(current), nxt) {
			return nil, apperrors.InvalidTransition(id, current, string(nxt))
		}
		if nxt == job.StatusRunning && startedAt == nil {
			startedAt = &now
		}
		if nxt.IsTerminal() && finishedAt == nil {
			finishedAt = &now
		}
	}

	const q = `
UPDATE jobs SET
	status = $2,
	started_at = $3,
	finished_at = $4,
	error = COALESCE($5, error),
	progress = COALESCE($6, progress),
	output_ref = CASE WHEN $2 IN ('PENDING', 'QUEUED') THEN output_ref
		ELSE COALESCE(NULLIF($7, ''), output_ref) END,
	provider_job_id = COALESCE(NULLIF($8, ''), provider_job_id),
	metrics = COALESCE($9, metrics)
WHERE id = $1;
`
	var outputRef, providerID string
	if upd.OutputRef != nil {
		outputRef = *upd.OutputRef
	}
	if upd.ProviderJobID != nil {
		providerID = *upd.ProviderJobID
	}
	if _, err := tx.Exec(ctx, q, id, string(nxt), startedAt, finishedAt,
		upd.Error, upd.Progress, outputRef, providerID, upd.Metrics); err != nil {
		return nil, apperrors.Internal("postgres.updateStatus", err)
	}

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id))
	if err != nil {
		return nil, apperrors.Internal("postgres.updateStatus", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Internal("postgres.updateStatus", err)
	}
	return j, nil
}

func (s *Store) AppendLog(ctx context.Context, jobID string, level job.LogLevel, message string) (*job.LogEvent, error) {
	const q = `
INSERT INTO job_logs (job_id, sequence, timestamp, level, message)
SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4 FROM job_logs WHERE job_id = $1
RETURNING sequence;
`
	entry := job.LogEvent{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	if err := s.pool.QueryRow(ctx, q, jobID, entry.Timestamp, string(level), message).Scan(&entry.Sequence); err != nil {
		// 23503: the jobs(id) reference failed, so the job does not exist.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, apperrors.Internal("postgres.appendLog", err)
	}
	return &entry, nil
}

func (s *Store) Logs(ctx context.Context, jobID string, f store.LogFilter) ([]job.LogEvent, error) {
	const q = `
SELECT job_id, sequence, timestamp, level, message FROM job_logs
WHERE job_id = $1 AND ($2 = '' OR level = $2)
ORDER BY sequence
OFFSET $3
LIMIT CASE WHEN $4 > 0 THEN $4 END;
`
	rows, err := s.pool.Query(ctx, q, jobID, string(f.Level), f.Offset, f.Limit)
	if err != nil {
		return nil, apperrors.Internal("postgres.logs", err)
	}
	defer rows.Close()

	out := []job.LogEvent{}
	for rows.Next() {
		var e job.LogEvent
		var level string
		if err := rows.Scan(&e.JobID, &e.Sequence, &e.Timestamp, &level, &e.Message); err != nil {
			return nil, apperrors.Internal("postgres.logs", err)
		}
		e.Level = job.LogLevel(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET cancel_requested = true WHERE id = $1;`, id)
	if err != nil {
		return apperrors.Internal("postgres.requestCancel", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1;`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.NotFound("job", id)
		}
		return false, apperrors.Internal("postgres.cancelRequested", err)
	}
	return requested, nil
}

func (s *Store) CreateDatasetVersion(ctx context.Context, v *job.DatasetVersion) error {
	const q = `
INSERT INTO dataset_versions (id, dataset_id, version, file_hash, locator, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (dataset_id, version) DO NOTHING;
`
	tag, err := s.pool.Exec(ctx, q, v.ID, v.DatasetID, v.Version, v.FileHash, v.Locator, v.CreatedAt)
	if err != nil {
		return apperrors.Internal("postgres.createDatasetVersion", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("dataset_version", v.ID, "version already exists")
	}
	return nil
}

func (s *Store) DatasetVersions(ctx context.Context, datasetID string, limit int) ([]job.DatasetVersion, error) {
	const q = `
SELECT id, dataset_id, version, file_hash, locator, created_at FROM dataset_versions
WHERE dataset_id = $1
ORDER BY version DESC
LIMIT CASE WHEN $2 > 0 THEN $2 END;
`
	rows, err := s.pool.Query(ctx, q, datasetID, limit)
	if err != nil {
		return nil, apperrors.Internal("postgres.datasetVersions", err)
	}
	defer rows.Close()

	out := []job.DatasetVersion{}
	for rows.Next() {
		var v job.DatasetVersion
		if err := rows.Scan(&v.ID, &v.DatasetID, &v.Version, &v.FileHash, &v.Locator, &v.CreatedAt); err != nil {
			return nil, apperrors.Internal("postgres.datasetVersions", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) NextDatasetVersion(ctx context.Context, datasetID string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM dataset_versions WHERE dataset_id = $1;`,
		datasetID,
	).Scan(&next)
	if err != nil {
		return 0, apperrors.Internal("postgres.nextDatasetVersion", err)
	}
	return next, nil
}

// Verify Store implements store.Store
var _ store.Store = (*Store)(nil)
