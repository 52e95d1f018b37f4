package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"finetuner/internal/job"
	"finetuner/pkg/cloudevent"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	signature string
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signature = r.Header.Get("X-Signature-256")
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func finishedJob(callbackURL, key string) *job.Job {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	return &job.Job{
		ID:          "j1",
		Type:        job.TypeProviderAPI,
		Model:       "open-mistral-7b",
		Status:      job.StatusSucceeded,
		OutputRef:   "ft:model",
		CallbackURL: callbackURL,
		CallbackKey: key,
		StartedAt:   &started,
		FinishedAt:  &finished,
	}
}

func TestNotifier_DeliversJobEvent(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := NewNotifier(Config{Workers: 1, BufferSize: 8})
	if err := n.Notify(JobEvent(finishedJob(srv.URL, ""))); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := n.Close(contextWithTimeout(t, 5*time.Second)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}

	var ev cloudevent.CloudEvent
	if err := json.Unmarshal(rec.bodies[0], &ev); err != nil {
		t.Fatalf("payload is not a CloudEvent: %v", err)
	}
	if ev.Type != "dev.finetuner.job.succeeded" {
		t.Errorf("event type = %q", ev.Type)
	}
	if ev.Subject != "j1" || ev.Source != "/v1/jobs" {
		t.Errorf("subject/source = %q/%q", ev.Subject, ev.Source)
	}
	if ev.Data["status"] != "SUCCEEDED" || ev.Data["output_ref"] != "ft:model" {
		t.Errorf("data = %v", ev.Data)
	}
	if ev.Data["duration_seconds"] != float64(60) {
		t.Errorf("duration = %v, want 60", ev.Data["duration_seconds"])
	}

	stats := n.Stats()
	if stats.Delivered != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNotifier_SignsWhenKeyConfigured(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := NewNotifier(Config{Workers: 1, BufferSize: 8})
	if err := n.Notify(JobEvent(finishedJob(srv.URL, "whsec_test"))); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(contextWithTimeout(t, 5*time.Second)); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(rec.bodies))
	}
	if want := cloudevent.Sign(rec.bodies[0], "whsec_test"); rec.signature != want {
		t.Errorf("signature = %q, want %q", rec.signature, want)
	}
}

func TestNotifier_NoDestinationIsIgnored(t *testing.T) {
	t.Parallel()
	n := NewNotifier(Config{Workers: 1, BufferSize: 8})
	defer n.Close(contextWithTimeout(t, 5*time.Second))

	if err := n.Notify(JobEvent(finishedJob("", ""))); err != nil {
		t.Fatalf("Notify without destination = %v, want nil", err)
	}
	if stats := n.Stats(); stats.Queued != 0 {
		t.Errorf("event without destination was queued: %+v", stats)
	}
}

func TestNotifier_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Workers: 1, BufferSize: 8})
	if err := n.Notify(JobEvent(finishedJob(srv.URL, ""))); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(contextWithTimeout(t, 5*time.Second)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 {
		t.Errorf("requests = %d, want 1 (4xx must not be retried)", requests)
	}
	if stats := n.Stats(); stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failure", stats)
	}
}

func TestNotifier_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	// A server that never responds within the test, so the single worker
	// stays busy while the buffer fills.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	n := NewNotifier(Config{Workers: 1, BufferSize: 1, HTTPTimeout: time.Minute})

	// First event occupies the worker, second fills the buffer; one of the
	// following must be rejected.
	sawFull := false
	for i := 0; i < 5; i++ {
		if err := n.Notify(JobEvent(finishedJob(srv.URL, ""))); err == ErrBufferFull {
			sawFull = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawFull {
		t.Error("saturated notifier never returned ErrBufferFull")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n.Close(ctx) // expected to time out; workers are parked on the server
}

func TestNotifier_NotifyAfterClose(t *testing.T) {
	t.Parallel()
	n := NewNotifier(Config{Workers: 1, BufferSize: 8})
	if err := n.Close(contextWithTimeout(t, 5*time.Second)); err != nil {
		t.Fatal(err)
	}

	if err := n.Notify(JobEvent(finishedJob("http://localhost:1/hook", ""))); err == nil {
		t.Error("closed notifier accepted an event")
	}
}

func TestJobEvent_OmitsEmptyFields(t *testing.T) {
	t.Parallel()
	j := &job.Job{
		ID:          "j1",
		Type:        job.TypeProviderAPI,
		Model:       "open-mistral-7b",
		Status:      job.StatusCancelled,
		CallbackURL: "http://example.com/hook",
	}

	ev := JobEvent(j)
	if ev.Payload.Type != "dev.finetuner.job.cancelled" {
		t.Errorf("type = %q", ev.Payload.Type)
	}
	for _, key := range []string{"error", "output_ref", "duration_seconds"} {
		if _, ok := ev.Payload.Data[key]; ok {
			t.Errorf("empty field %q present in payload", key)
		}
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"https://hooks.example.com/path", "hooks.example.com"},
		{"http://localhost:9999/x", "localhost:9999"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := extractHost(tt.in); got != tt.want {
			t.Errorf("extractHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
