package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"finetuner/internal/job"
)

const (
	// sseReadTimeout is how long one bus read blocks before the stream
	// falls back to its own state polling.
	sseReadTimeout = 2 * time.Second

	// ssePollEvery is the periodic store poll interval. The bus is
	// best-effort; polling guarantees the client converges on the true
	// state even when events are dropped.
	ssePollEvery = 5 * time.Second
)

// StreamJobEvents handles GET /v1/jobs/{jobId}/events as a server-sent
// event stream. The stream ends once the job is terminal or the client
// disconnects.
func (h *Handler) StreamJobEvents(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := h.bus.Subscribe(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Current state first, so late subscribers do not wait for the next
	// transition.
	writeSSE(w, flusher, job.StatusEvent(j))
	if j.Status.IsTerminal() {
		return
	}

	lastPoll := time.Now()
	for {
		if r.Context().Err() != nil {
			return
		}

		if ev, ok := sub.Next(sseReadTimeout); ok {
			writeSSE(w, flusher, ev)
			if ev.Type == job.EventTypeStatus && ev.Status.IsTerminal() {
				return
			}
			continue
		}

		if sub.Done() {
			// The stream is gone (bus shut down); no more events will
			// arrive, so pace the loop on the poll interval alone.
			select {
			case <-r.Context().Done():
				return
			case <-time.After(ssePollEvery - time.Since(lastPoll)):
			}
		}

		if time.Since(lastPoll) < ssePollEvery {
			continue
		}
		lastPoll = time.Now()

		j, err := h.svc.Get(r.Context(), jobID)
		if err != nil {
			slog.Warn("SSE state poll failed", "jobId", jobID, "error", err)
			return
		}
		writeSSE(w, flusher, job.StatusEvent(j))
		if j.Status.IsTerminal() {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev job.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}
