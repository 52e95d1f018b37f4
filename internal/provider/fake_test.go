package provider

import (
	"context"
	"errors"
	"testing"
)

func TestFake_WalksScriptAndHoldsLast(t *testing.T) {
	t.Parallel()
	f := Succeeding("ft:model")
	ctx := context.Background()

	want := []string{"queued", "running", "succeeded", "succeeded", "succeeded"}
	for i, status := range want {
		snap, err := f.GetStatus(ctx, "j1")
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		if snap.Status != status {
			t.Errorf("poll %d: status = %q, want %q", i+1, snap.Status, status)
		}
	}

	last, _ := f.GetStatus(ctx, "j1")
	if last.OutputRef != "ft:model" {
		t.Errorf("terminal output ref = %q, want ft:model", last.OutputRef)
	}
	if f.Polls("j1") != 6 {
		t.Errorf("Polls = %d, want 6", f.Polls("j1"))
	}
}

func TestFake_ScriptIsPerJob(t *testing.T) {
	t.Parallel()
	f := Succeeding("ft:model")
	ctx := context.Background()

	f.GetStatus(ctx, "j1")
	f.GetStatus(ctx, "j1")

	snap, err := f.GetStatus(ctx, "j2")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != "queued" {
		t.Errorf("fresh job status = %q, want queued", snap.Status)
	}
}

func TestFake_FailWith(t *testing.T) {
	t.Parallel()
	f := AlwaysRunning()
	ctx := context.Background()

	boom := errors.New("connection reset")
	f.FailWith(boom)
	if _, err := f.GetStatus(ctx, "j1"); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want injected error", err)
	}

	f.FailWith(nil)
	snap, err := f.GetStatus(ctx, "j1")
	if err != nil {
		t.Fatalf("cleared error still failing: %v", err)
	}
	if snap.Status != "running" {
		t.Errorf("status = %q, want running", snap.Status)
	}
}

func TestFake_CancelRecordsJob(t *testing.T) {
	t.Parallel()
	f := AlwaysRunning()

	if err := f.Cancel(context.Background(), "j1"); err != nil {
		t.Fatal(err)
	}
	if len(f.Cancelled) != 1 || f.Cancelled[0] != "j1" {
		t.Errorf("Cancelled = %v, want [j1]", f.Cancelled)
	}
}
