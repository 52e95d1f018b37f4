package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a fine-tuning job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Job types supported by the service.
const (
	TypeProviderAPI = "provider_api"
	TypeQLoRALocal  = "qlora_local"
)

// Job represents one fine-tuning run tracked from creation to a terminal state.
type Job struct {
	ID               string          `json:"id"`
	Type             string          `json:"job_type"`
	Model            string          `json:"model"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	Progress         *float64        `json:"progress,omitempty"`
	Error            string          `json:"error,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
	DatasetVersionID string          `json:"dataset_version_id,omitempty"`
	ProviderJobID    string          `json:"provider_job_id,omitempty"`
	OutputRef        string          `json:"output_ref,omitempty"`
	Metrics          json.RawMessage `json:"metrics,omitempty"`
	CallbackURL      string          `json:"callback_url,omitempty"`
	CallbackKey      string          `json:"-"`
}

// Duration returns the wall-clock run duration, or zero if the job has not
// both started and finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// LogEvent is one append-only log record for a job. Sequence numbers are
// assigned by the store and are monotonic within a job.
type LogEvent struct {
	JobID     string    `json:"job_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// DatasetVersion is an immutable, hashed snapshot of an uploaded dataset.
// Versions are numbered monotonically per dataset and referenced by jobs;
// their lifecycle is owned by the dataset layer, not the job core.
type DatasetVersion struct {
	ID        string    `json:"id"`
	DatasetID string    `json:"dataset_id"`
	Version   int       `json:"version"`
	FileHash  string    `json:"file_hash"`
	Locator   string    `json:"locator"`
	CreatedAt time.Time `json:"created_at"`
}

// Request represents a request to create a new fine-tuning job.
type Request struct {
	Type             string          `json:"job_type"`
	Model            string          `json:"model"`
	Config           json.RawMessage `json:"config,omitempty"`
	DatasetVersionID string          `json:"dataset_version_id,omitempty"`
	CallbackURL      string          `json:"callback_url,omitempty"`
	CallbackKey      string          `json:"callback_key,omitempty"`
}

// Response represents the response when a job is created.
type Response struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// ListResponse represents the response for listing jobs.
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}

// LogsResponse represents the response for listing job logs.
type LogsResponse struct {
	Logs []LogEvent `json:"logs"`
}
