package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is a scripted provider for tests and demo mode. Each job created
// through it walks a fixed sequence of snapshots, one per GetStatus call,
// holding the last snapshot once the script is exhausted. Selected by
// configuration in place of HTTPClient.
type Fake struct {
	mu     sync.Mutex
	script []Snapshot
	calls  map[string]int
	err    error

	// Cancelled records job ids for which Cancel was called.
	Cancelled []string
}

// NewFake creates a fake provider that walks the given snapshots.
func NewFake(script ...Snapshot) *Fake {
	return &Fake{
		script: script,
		calls:  make(map[string]int),
	}
}

// Succeeding returns a fake that reports queued, running, then succeeded
// with the given output reference. Matches a healthy provider run.
func Succeeding(outputRef string) *Fake {
	return NewFake(
		Snapshot{Status: "queued"},
		Snapshot{Status: "running", Progress: 0.5},
		Snapshot{Status: "succeeded", OutputRef: outputRef, Progress: 1},
	)
}

// AlwaysRunning returns a fake that never leaves the running state, for
// exercising polling timeouts.
func AlwaysRunning() *Fake {
	return NewFake(Snapshot{Status: "running"})
}

// FailWith makes every GetStatus call return err until cleared with nil.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) CreateJob(ctx context.Context, req CreateRequest) (string, error) {
	return "ftjob-" + uuid.NewString(), nil
}

func (f *Fake) GetStatus(ctx context.Context, jobID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if len(f.script) == 0 {
		return nil, fmt.Errorf("fake provider: empty script")
	}

	i := f.calls[jobID]
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls[jobID]++

	snap := f.script[i]
	return &snap, nil
}

func (f *Fake) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, jobID)
	return nil
}

func (f *Fake) Ready(ctx context.Context) error {
	return nil
}

// Polls returns how many GetStatus calls were made for a job.
func (f *Fake) Polls(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

// Verify Fake implements Client
var _ Client = (*Fake)(nil)
