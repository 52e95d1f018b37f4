package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: how long requests, polls and jobs take
// - Traffic: request/job throughput
// - Errors: rate of failures
// - Saturation: concurrent jobs in flight
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Worker / provider metrics
	ProviderPollDuration metric.Float64Histogram
	ProviderPollErrors   metric.Int64Counter
	DispatchTotal        metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("finetuner")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Fine-tuning job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600, 7200, 14400, 28800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently being worked (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProviderPollDuration, err = meter.Float64Histogram(
		"provider_poll_duration_seconds",
		metric.WithDescription("Provider status query latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProviderPollErrors, err = meter.Int64Counter(
		"provider_poll_errors_total",
		metric.WithDescription("Total transient provider query failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatchTotal, err = meter.Int64Counter(
		"dispatch_total",
		metric.WithDescription("Total job dispatches by mode (queued or inline)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context, jobType string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordWorkerStarted records a worker picking up a job. Every call must be
// paired with RecordWorkerFinished, however the worker exits.
func (m *Metrics) RecordWorkerStarted(ctx context.Context, jobType string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordWorkerFinished records a worker releasing a job. Separate from
// RecordJobCompleted: a worker can exit without completing anything, e.g.
// when another writer settled the job first.
func (m *Metrics) RecordWorkerFinished(ctx context.Context, jobType string) {
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, jobType, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType), statusNameAttr(status))
	m.JobDuration.Record(ctx, durationSeconds, attrs)

	if status == "FAILED" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordProviderPoll records one provider status query.
func (m *Metrics) RecordProviderPoll(ctx context.Context, durationSeconds float64, failed bool) {
	m.ProviderPollDuration.Record(ctx, durationSeconds)
	if failed {
		m.ProviderPollErrors.Add(ctx, 1)
	}
}

// RecordDispatch records a dispatch decision ("queued" or "inline").
func (m *Metrics) RecordDispatch(ctx context.Context, mode string) {
	m.DispatchTotal.Add(ctx, 1, metric.WithAttributes(dispatchModeAttr(mode)))
}
