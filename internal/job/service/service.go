// Package service exposes the job lifecycle operations consumed by the API
// layer: create, query, cancel and log listing.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"finetuner/internal/apperrors"
	"finetuner/internal/job"
	"finetuner/internal/observability"
	"finetuner/internal/store"
)

// Validation limits
const (
	maxModelLength       = 256
	maxConfigBytes       = 64 * 1024
	maxCallbackKeyLength = 256
)

// Dispatcher hands accepted jobs to background execution. Implemented by
// dispatcher.Dispatcher; declared here to keep the dependency one-way.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// Service manages the job lifecycle.
//
// The Service is stateless: all job state lives in the store, so service
// restarts do not affect running jobs and multiple instances can serve
// queries and cancellations for the same job.
type Service struct {
	store      store.Store
	dispatcher Dispatcher
	metrics    *observability.Metrics
}

// New creates a new job service.
func New(st store.Store, d Dispatcher, metrics *observability.Metrics) *Service {
	return &Service{
		store:      st,
		dispatcher: d,
		metrics:    metrics,
	}
}

// Create validates the request, persists the job as PENDING and hands it to
// the dispatcher. Dispatch problems degrade to inline execution inside the
// dispatcher and never fail the request.
func (s *Service) Create(ctx context.Context, req *job.Request) (*job.Job, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:               uuid.NewString(),
		Type:             req.Type,
		Model:            req.Model,
		Status:           job.StatusPending,
		CreatedAt:        time.Now().UTC(),
		Config:           req.Config,
		DatasetVersionID: req.DatasetVersionID,
		CallbackURL:      req.CallbackURL,
		CallbackKey:      req.CallbackKey,
	}

	logger := slog.With("jobId", j.ID, "jobType", j.Type, "model", j.Model)

	if err := s.store.Create(ctx, j); err != nil {
		logger.Error("Job creation failed", "error", err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, j.Type)
	}
	logger.Info("Job created")

	if err := s.dispatcher.Enqueue(ctx, j.ID); err != nil {
		// The record exists and can be re-dispatched; the request succeeded.
		logger.Warn("Job dispatch failed", "error", err)
		return j, nil
	}

	created, err := s.store.Get(ctx, j.ID)
	if err != nil {
		return j, nil
	}
	return created, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return s.store.Get(ctx, jobID)
}

// List returns jobs filtered by status and type. An unknown status string is
// rejected rather than matching nothing.
func (s *Service) List(ctx context.Context, status, jobType string, limit int) (*job.ListResponse, error) {
	var f store.Filter
	if status != "" {
		st, ok := job.ParseStatus(status)
		if !ok {
			return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", status))
		}
		f.Status = st
	}
	f.Type = jobType
	f.Limit = limit

	jobs, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	return &job.ListResponse{Jobs: jobs}, nil
}

// Cancel requests cancellation of a job. Jobs that have not started yet are
// cancelled immediately; a running job is signalled and applies CANCELLED at
// its next checkpoint. Cancelling a terminal job is a validation error.
func (s *Service) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	logger := slog.With("jobId", jobID)

	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, apperrors.InvalidTransition(jobID, string(j.Status), string(job.StatusCancelled))
	}

	// Signal first so a worker claiming the job concurrently sees the flag.
	if err := s.dispatcher.Cancel(ctx, jobID); err != nil {
		logger.Error("Cancellation signal failed", "error", err)
		return nil, err
	}

	switch j.Status {
	case job.StatusPending, job.StatusQueued:
		updated, err := s.store.UpdateStatus(ctx, jobID, job.StatusCancelled, store.Update{})
		if err != nil {
			// A worker won the race; the cancel flag will settle the job.
			logger.Warn("Direct cancel lost race with worker", "error", err)
			return s.store.Get(ctx, jobID)
		}
		logger.Info("Job cancelled")
		return updated, nil
	default:
		logger.Info("Job cancellation requested")
		return s.store.Get(ctx, jobID)
	}
}

// Logs returns the append-only log records of a job in sequence order.
func (s *Service) Logs(ctx context.Context, jobID string, f store.LogFilter) (*job.LogsResponse, error) {
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	logs, err := s.store.Logs(ctx, jobID, f)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []job.LogEvent{}
	}
	return &job.LogsResponse{Logs: logs}, nil
}

// validate validates a job request. Does not modify the request.
func (s *Service) validate(req *job.Request) error {
	switch req.Type {
	case job.TypeProviderAPI, job.TypeQLoRALocal:
	case "":
		return apperrors.Validation("job_type", "job type is required")
	default:
		return apperrors.Validation("job_type",
			fmt.Sprintf("unknown job type %q (expected %s or %s)", req.Type, job.TypeProviderAPI, job.TypeQLoRALocal))
	}

	if req.Model == "" {
		return apperrors.Validation("model", "model is required")
	}
	if len(req.Model) > maxModelLength {
		return apperrors.Validation("model", fmt.Sprintf("model exceeds maximum length of %d", maxModelLength))
	}

	if len(req.Config) > maxConfigBytes {
		return apperrors.Validation("config", fmt.Sprintf("config exceeds maximum size of %d bytes", maxConfigBytes))
	}

	if req.CallbackURL != "" {
		if err := validateURL(req.CallbackURL); err != nil {
			return apperrors.Validation("callback_url", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}
	if len(req.CallbackKey) > maxCallbackKeyLength {
		return apperrors.Validation("callback_key",
			fmt.Sprintf("callback key exceeds maximum length of %d", maxCallbackKeyLength))
	}
	if req.CallbackKey != "" && req.CallbackURL == "" {
		return apperrors.Validation("callback_key", "callback key requires a callback URL")
	}

	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
