// Package api provides the HTTP API handlers and routing for the
// fine-tuning service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"finetuner/internal/apperrors"
	"finetuner/internal/dataset"
	"finetuner/internal/eventbus"
	"finetuner/internal/health"
	"finetuner/internal/job"
	"finetuner/internal/job/service"
	"finetuner/internal/observability"
	"finetuner/internal/store"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the fine-tuning API
type Handler struct {
	svc       *service.Service
	versioner *dataset.Versioner
	bus       eventbus.Bus
	health    *health.Checker
	collector *observability.Collector
}

// NewHandler creates a new API handler
func NewHandler(svc *service.Service, versioner *dataset.Versioner, bus eventbus.Bus, healthChecker *health.Checker, collector *observability.Collector) *Handler {
	return &Handler{
		svc:       svc,
		versioner: versioner,
		bus:       bus,
		health:    healthChecker,
		collector: collector,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, created)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intQuery(q.Get("limit"), 0)

	resp, err := h.svc.List(r.Context(), q.Get("status"), q.Get("job_type"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /v1/jobs/{jobId} - requests cancellation.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetJobLogs handles GET /v1/jobs/{jobId}/logs
func (h *Handler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	q := r.URL.Query()
	f := store.LogFilter{
		Level:  job.LogLevel(q.Get("level")),
		Limit:  intQuery(q.Get("limit"), 0),
		Offset: intQuery(q.Get("offset"), 0),
	}

	resp, err := h.svc.Logs(r.Context(), jobID, f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CreateDatasetVersion handles POST /v1/datasets/{datasetId}/versions.
// The request body is the raw dataset file.
func (h *Handler) CreateDatasetVersion(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("datasetId")
	if datasetID == "" {
		h.writeError(w, http.StatusBadRequest, "Dataset ID is required")
		return
	}

	version, err := h.versioner.CreateVersion(r.Context(), datasetID, r.Body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, version)
}

// ListDatasetVersions handles GET /v1/datasets/{datasetId}/versions
func (h *Handler) ListDatasetVersions(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("datasetId")
	if datasetID == "" {
		h.writeError(w, http.StatusBadRequest, "Dataset ID is required")
		return
	}

	versions, err := h.versioner.Versions(r.Context(), datasetID, intQuery(r.URL.Query().Get("limit"), 0))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// GetMetrics handles GET /v1/metrics - the process-local collector snapshot.
// Prometheus metrics are served separately on the metrics port.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.collector.Snapshot())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if required dependencies are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
