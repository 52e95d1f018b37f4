package job

import "time"

// Live event types delivered to subscribed clients.
const (
	EventTypeStatus = "status"
	EventTypeLog    = "log"
	EventTypeError  = "error"
)

// Event is the message shape pushed to live observers of a job. It is a
// convenience view; the store remains the source of truth and a client that
// misses an event can recover by polling.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	OutputRef string    `json:"output_ref,omitempty"`
	Progress  *float64  `json:"progress,omitempty"`
	Level     LogLevel  `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// StatusEvent builds a status update event from a job snapshot.
func StatusEvent(j *Job) Event {
	return Event{
		Type:      EventTypeStatus,
		JobID:     j.ID,
		Timestamp: time.Now().UTC(),
		Status:    j.Status,
		Error:     j.Error,
		OutputRef: j.OutputRef,
		Progress:  j.Progress,
	}
}

// LogEventMessage builds a log event for live delivery.
func LogEventMessage(jobID string, level LogLevel, message string) Event {
	return Event{
		Type:      EventTypeLog,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
}

// ErrorEvent builds an error event for live delivery.
func ErrorEvent(jobID string, err error) Event {
	return Event{
		Type:      EventTypeError,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	}
}
