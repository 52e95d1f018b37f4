// Package callback delivers job completion webhooks.
//
// Deliveries are queued in a bounded channel and sent by a worker pool
// with retry and per-host circuit breaking. Delivery is best effort: a
// full buffer drops the event rather than blocking the job worker.
package callback

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"finetuner/internal/job"
	"finetuner/pkg/cloudevent"
)

// ErrBufferFull is returned when the delivery queue is at capacity.
var ErrBufferFull = errors.New("callback buffer full")

const (
	defaultBufferSize       = 1000
	defaultWorkers          = 4
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultMaxRequeues      = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second

	eventSource = "/v1/jobs"
)

// Config controls the delivery pool.
type Config struct {
	BufferSize  int
	Workers     int
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// Event is a single webhook delivery.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string
	Requeues    int
}

// Stats reports notifier counters.
type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	Requeued      int64 `json:"requeued"`
	RetriesTotal  int64 `json:"retries_total"`
	BreakersTotal int   `json:"breakers_total"`
	BreakersOpen  int   `json:"breakers_open"`
}

// JobEvent builds the completion webhook for a finished job.
func JobEvent(j *job.Job) *Event {
	data := map[string]any{
		"job_id": j.ID,
		"type":   string(j.Type),
		"model":  j.Model,
		"status": string(j.Status),
	}
	if j.Error != "" {
		data["error"] = j.Error
	}
	if j.OutputRef != "" {
		data["output_ref"] = j.OutputRef
	}
	if d := j.Duration(); d > 0 {
		data["duration_seconds"] = d.Seconds()
	}

	eventType := "dev.finetuner.job." + strings.ToLower(string(j.Status))
	return &Event{
		Payload:     cloudevent.New(eventType, eventSource, j.ID, uuid.NewString(), data),
		Destination: j.CallbackURL,
		SigningKey:  j.CallbackKey,
	}
}
