package eventbus

import (
	"context"
	"testing"
	"time"

	"finetuner/internal/job"
)

func statusEvent(jobID string, st job.Status) job.Event {
	return job.Event{Type: job.EventTypeStatus, JobID: jobID, Status: st, Timestamp: time.Now().UTC()}
}

func TestMemory_PublishWithoutSubscribersIsNoOp(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	defer m.Close()

	if err := m.Publish(context.Background(), "j1", statusEvent("j1", job.StatusRunning)); err != nil {
		t.Fatalf("Publish with no subscribers failed: %v", err)
	}
}

func TestMemory_FanOut(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := m.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	other, err := m.Subscribe(ctx, "j2")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	if err := m.Publish(ctx, "j1", statusEvent("j1", job.StatusRunning)); err != nil {
		t.Fatal(err)
	}

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		ev, ok := sub.Next(time.Second)
		if !ok {
			t.Fatalf("subscriber %s received nothing", name)
		}
		if ev.JobID != "j1" || ev.Status != job.StatusRunning {
			t.Errorf("subscriber %s got %+v", name, ev)
		}
	}

	if _, ok := other.Next(50 * time.Millisecond); ok {
		t.Error("subscriber for another job received the event")
	}
}

func TestMemory_SlowSubscriberNeverBlocksPublisher(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Overflow the subscriber buffer without draining. Publishes must all
	// return promptly; the overflow is dropped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			m.Publish(ctx, "j1", statusEvent("j1", job.StatusRunning))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	received := 0
	for {
		if _, ok := sub.Next(10 * time.Millisecond); !ok {
			break
		}
		received++
	}
	if received != subscriberBuffer {
		t.Errorf("received %d events, want buffer capacity %d", received, subscriberBuffer)
	}
}

func TestMemory_SubscriptionCloseReleases(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close() // idempotent

	if _, ok := sub.Next(50 * time.Millisecond); ok {
		t.Error("closed subscription still delivers events")
	}
	if err := m.Publish(ctx, "j1", statusEvent("j1", job.StatusRunning)); err != nil {
		t.Errorf("Publish after subscriber close failed: %v", err)
	}
}

func TestMemory_CloseShutsAllSubscriptions(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, ok := sub.Next(time.Second); ok {
		t.Error("subscription open after bus Close")
	}
	// Closing the subscription after the bus is gone must not panic.
	sub.Close()

	if err := m.Publish(ctx, "j1", statusEvent("j1", job.StatusRunning)); err != nil {
		t.Errorf("Publish on closed bus = %v, want nil", err)
	}
}

func TestSubscription_NextTimeout(t *testing.T) {
	t.Parallel()
	ch := make(chan job.Event)
	sub := NewSubscription(ch, nil)

	start := time.Now()
	_, ok := sub.Next(20 * time.Millisecond)
	if ok {
		t.Fatal("Next returned an event from an empty channel")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Next returned after %v, before the timeout", elapsed)
	}
}

func TestSubscription_DoneDistinguishesCloseFromTimeout(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, ok := sub.Next(10 * time.Millisecond); ok {
		t.Fatal("Next returned an event before any publish")
	}
	if sub.Done() {
		t.Fatal("a timed-out read must not end the stream")
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	for {
		if _, ok := sub.Next(time.Second); !ok {
			break
		}
	}
	if !sub.Done() {
		t.Error("stream not reported done after the bus closed")
	}

	// A done stream must stay done and return immediately.
	start := time.Now()
	if _, ok := sub.Next(time.Second); ok {
		t.Error("done stream delivered an event")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Next blocked on a done stream")
	}
}
