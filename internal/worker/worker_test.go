package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"finetuner/internal/apperrors"
	"finetuner/internal/eventbus"
	"finetuner/internal/job"
	"finetuner/internal/observability"
	"finetuner/internal/provider"
	"finetuner/internal/store"
)

// fastConfig keeps test loops tight.
func fastConfig(maxPolls int) Config {
	return Config{PollInterval: time.Millisecond, MaxPolls: maxPolls}
}

func seedQueued(t *testing.T, st store.Store, id string) *job.Job {
	t.Helper()
	ctx := context.Background()
	err := st.Create(ctx, &job.Job{
		ID:        id,
		Type:      job.TypeProviderAPI,
		Model:     "open-mistral-7b",
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	j, err := st.UpdateStatus(ctx, id, job.StatusQueued, store.Update{})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func logMessages(t *testing.T, st store.Store, id string) []string {
	t.Helper()
	entries, err := st.Logs(context.Background(), id, store.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func containsPrefix(msgs []string, prefix string) bool {
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func TestWorker_SuccessPath(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	fake := provider.Succeeding("ft:open-mistral-7b:tuned")
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(20)})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got.Status)
	}
	if got.OutputRef != "ft:open-mistral-7b:tuned" {
		t.Errorf("output ref = %q", got.OutputRef)
	}
	if got.ProviderJobID == "" {
		t.Error("provider job id not persisted")
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("lifecycle timestamps not set")
	}

	msgs := logMessages(t, st, "j1")
	if !containsPrefix(msgs, "Job started") {
		t.Errorf("missing start log, got %v", msgs)
	}
	if !containsPrefix(msgs, "Job completed successfully") {
		t.Errorf("missing completion log, got %v", msgs)
	}
}

func TestWorker_FailurePath(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	fake := provider.NewFake(
		provider.Snapshot{Status: "running"},
		provider.Snapshot{Status: "failed", Error: "dataset schema invalid"},
	)
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(20)})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error != "dataset schema invalid" {
		t.Errorf("error = %q, want provider error persisted", got.Error)
	}
	if !containsPrefix(logMessages(t, st, "j1"), "Job failed:") {
		t.Error("missing failure log")
	}
}

func TestWorker_PollingTimeoutAfterBudget(t *testing.T) {
	t.Parallel()
	const budget = 5
	st := store.NewMemory()
	fake := provider.AlwaysRunning()
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(budget)})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	want := "polling timeout: no terminal status after 5 polls"
	if got.Error != want {
		t.Errorf("error = %q, want %q", got.Error, want)
	}
	if polls := fake.Polls(got.ProviderJobID); polls != budget {
		t.Errorf("provider polled %d times, want exactly %d", polls, budget)
	}
}

func TestWorker_TransientErrorsConsumeBudget(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	fake := provider.AlwaysRunning()
	fake.FailWith(errors.New("connection reset"))
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(3)})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if !strings.HasPrefix(got.Error, "polling timeout") {
		t.Errorf("error = %q, want polling timeout", got.Error)
	}
	if !containsPrefix(logMessages(t, st, "j1"), "Error polling status:") {
		t.Error("missing transient error log")
	}
}

func TestWorker_CancelBeforeStart(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	fake := provider.Succeeding("ft:model")
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(20)})
	seedQueued(t, st, "j1")
	if err := st.RequestCancel(context.Background(), "j1"); err != nil {
		t.Fatal(err)
	}

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if got.ProviderJobID != "" {
		t.Error("provider run submitted despite a pre-start cancel")
	}
	if len(fake.Cancelled) != 0 {
		t.Error("provider Cancel called for a run that never existed")
	}
}

func TestWorker_CancelDuringPolling(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	fake := provider.AlwaysRunning()
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(100000)})
	seedQueued(t, st, "j1")

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), "j1") }()

	// Let the loop get going, then flip the persisted flag.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.Get(context.Background(), "j1")
		if err == nil && got.ProviderJobID != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := st.RequestCancel(context.Background(), "j1"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not honour the cancel flag")
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if len(fake.Cancelled) != 1 || fake.Cancelled[0] != got.ProviderJobID {
		t.Errorf("provider cancels = %v, want the remote run", fake.Cancelled)
	}
	if !containsPrefix(logMessages(t, st, "j1"), "Job cancelled by user") {
		t.Error("missing cancellation log")
	}
}

// settlingStore cancels the job the moment the worker tries to apply
// RUNNING, so the worker always loses the race and exits early.
type settlingStore struct {
	store.Store
}

func (s *settlingStore) UpdateStatus(ctx context.Context, id string, next job.Status, upd store.Update) (*job.Job, error) {
	if next == job.StatusRunning {
		if _, err := s.Store.UpdateStatus(ctx, id, job.StatusCancelled, store.Update{}); err != nil {
			return nil, err
		}
	}
	return s.Store.UpdateStatus(ctx, id, next, upd)
}

func TestWorker_ActiveGaugeReleasedOnSettledRace(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	collector := observability.NewCollector()
	w := New(Options{
		Store:     &settlingStore{Store: st},
		Provider:  provider.Succeeding("ft:model"),
		Collector: collector,
		Config:    fastConfig(5),
	})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if active := collector.Snapshot().Jobs.Active; active != 0 {
		t.Errorf("active jobs = %d after the worker exited, want 0", active)
	}
}

func TestWorker_ActiveGaugeBalancedOnCompletion(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	collector := observability.NewCollector()
	w := New(Options{
		Store:     st,
		Provider:  provider.Succeeding("ft:model"),
		Collector: collector,
		Config:    fastConfig(20),
	})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if active := collector.Snapshot().Jobs.Active; active != 0 {
		t.Errorf("active jobs = %d after completion, want 0", active)
	}
}

func TestWorker_RejectedStatusKeepsObserving(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	// "validated" maps to QUEUED, which has no edge from RUNNING, and
	// "archived" is outside the vocabulary entirely. Both must be survived.
	fake := provider.NewFake(
		provider.Snapshot{Status: "validated"},
		provider.Snapshot{Status: "archived"},
		provider.Snapshot{Status: "running"},
		provider.Snapshot{Status: "succeeded", OutputRef: "ft:model"},
	)
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(20)})
	seedQueued(t, st, "j1")

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got.Status)
	}
	if !containsPrefix(logMessages(t, st, "j1"), "Rejected status update:") {
		t.Error("missing rejected-update log")
	}
}

func TestWorker_TerminalJobIsNoOp(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	fake := provider.Succeeding("ft:model")
	w := New(Options{Store: st, Provider: fake, Config: fastConfig(20)})
	seedQueued(t, st, "j1")

	ctx := context.Background()
	st.UpdateStatus(ctx, "j1", job.StatusRunning, store.Update{})
	st.UpdateStatus(ctx, "j1", job.StatusSucceeded, store.Update{})

	if err := w.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run on terminal job failed: %v", err)
	}
	if polls := fake.Polls("j1"); polls != 0 {
		t.Errorf("provider polled %d times for a settled job", polls)
	}
}

func TestWorker_UnknownJob(t *testing.T) {
	t.Parallel()
	w := New(Options{Store: store.NewMemory(), Provider: provider.Succeeding("x"), Config: fastConfig(1)})

	err := w.Run(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

// panicProvider blows up on the first status query.
type panicProvider struct{ provider.Client }

func (p panicProvider) GetStatus(ctx context.Context, jobID string) (*provider.Snapshot, error) {
	panic("nil map write")
}

func TestWorker_PanicPersistsFailed(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	w := New(Options{
		Store:    st,
		Provider: panicProvider{provider.Succeeding("ft:model")},
		Config:   fastConfig(5),
	})
	seedQueued(t, st, "j1")

	err := w.Run(context.Background(), "j1")
	if !errors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("error = %v, want internal", err)
	}

	got, _ := st.Get(context.Background(), "j1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if !strings.HasPrefix(got.Error, "worker fault:") {
		t.Errorf("error = %q, want worker fault message", got.Error)
	}
}

func TestWorker_EventsReachSubscribers(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	bus := eventbus.NewMemory()
	defer bus.Close()
	w := New(Options{Store: st, Provider: provider.Succeeding("ft:model"), Bus: bus, Config: fastConfig(20)})
	seedQueued(t, st, "j1")

	sub, err := bus.Subscribe(context.Background(), "j1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := w.Run(context.Background(), "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sawTerminal := false
	for {
		ev, ok := sub.Next(100 * time.Millisecond)
		if !ok {
			break
		}
		if ev.Type == job.EventTypeStatus && ev.Status == job.StatusSucceeded {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Error("no terminal status event published")
	}
}
