package api

import (
	"net/http"

	"finetuner/internal/dataset"
	"finetuner/internal/eventbus"
	"finetuner/internal/health"
	"finetuner/internal/job/service"
	"finetuner/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *service.Service
	Versioner     *dataset.Versioner
	Bus           eventbus.Bus
	Metrics       *observability.Metrics
	Collector     *observability.Collector
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Versioner, cfg.Bus, cfg.HealthChecker, cfg.Collector)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Authenticated API surface
	authMiddleware := AuthMiddleware(cfg.APIKey)
	auth := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	mux.Handle("POST /v1/jobs", auth(handler.CreateJob))
	mux.Handle("GET /v1/jobs", auth(handler.ListJobs))
	mux.Handle("GET /v1/jobs/{jobId}", auth(handler.GetJob))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(handler.DeleteJob))
	mux.Handle("GET /v1/jobs/{jobId}/logs", auth(handler.GetJobLogs))
	mux.Handle("GET /v1/jobs/{jobId}/events", auth(handler.StreamJobEvents))

	mux.Handle("POST /v1/datasets/{datasetId}/versions", auth(handler.CreateDatasetVersion))
	mux.Handle("GET /v1/datasets/{datasetId}/versions", auth(handler.ListDatasetVersions))

	mux.Handle("GET /v1/metrics", auth(handler.GetMetrics))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	h = MetricsMiddleware(cfg.Metrics, cfg.Collector)(h)
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
