// Package provider defines the client contract for the external fine-tuning
// provider and its implementations.
//
// The provider executes training remotely; workers only observe it. Its
// status vocabulary is provider-defined and must go through MapStatus before
// being trusted.
package provider

import (
	"context"
	"encoding/json"
)

// Snapshot is the minimal status contract the provider must expose.
type Snapshot struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	OutputRef string  `json:"fine_tuned_model,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
}

// CreateRequest carries the provider-side parameters of a new run.
type CreateRequest struct {
	Model          string          `json:"model"`
	TrainingFileID string          `json:"training_file_id,omitempty"`
	Hyperparams    json.RawMessage `json:"hyperparameters,omitempty"`
	Suffix         string          `json:"suffix,omitempty"`
}

// Client is the fine-tuning provider contract consumed by the core.
// Implementations: HTTPClient for the real API, Fake for tests and demo
// mode. The implementation is selected by configuration, never by runtime
// type-patching.
type Client interface {
	// CreateJob submits a run and returns the provider-side job id.
	CreateJob(ctx context.Context, req CreateRequest) (string, error)

	// GetStatus queries the current remote status of a run. Failures are
	// transient by contract; callers retry within their own budget.
	GetStatus(ctx context.Context, jobID string) (*Snapshot, error)

	// Cancel requests cancellation of a remote run. Best-effort.
	Cancel(ctx context.Context, jobID string) error

	// Ready checks whether the provider endpoint is reachable.
	Ready(ctx context.Context) error
}
