// Package eventbus provides best-effort, at-most-once fan-out of job status
// and log events to live observers.
//
// The bus is a live-view convenience, never the source of truth: the job
// store and log records remain authoritative, and a client that misses an
// event recovers by polling. A publish with no subscribers is a silent
// no-op.
package eventbus

import (
	"context"
	"time"

	"finetuner/internal/job"
)

// Bus distributes events keyed by job id.
type Bus interface {
	// Publish delivers an event to current subscribers of the job id.
	// Delivery is best-effort; a slow subscriber may miss events but never
	// blocks the publisher or other subscribers.
	Publish(ctx context.Context, jobID string, ev job.Event) error

	// Subscribe registers a live observer for the job id. The subscription
	// must be closed on disconnect to release resources immediately.
	Subscribe(ctx context.Context, jobID string) (*Subscription, error)

	// Close shuts the bus down, closing all subscriptions.
	Close() error
}

// Subscription is one observer's event stream. Next and Done are meant for
// a single consuming goroutine.
type Subscription struct {
	C      <-chan job.Event
	cancel func()
	done   bool
}

// NewSubscription wraps a channel and a release function. Used by Bus
// implementations.
func NewSubscription(ch <-chan job.Event, cancel func()) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}

// Next waits up to timeout for the next event. ok is false when the timeout
// elapses or the subscription is closed, letting clients interleave event
// consumption with their own periodic state polling. Use Done to tell the
// two apart.
func (s *Subscription) Next(timeout time.Duration) (job.Event, bool) {
	if s.done {
		return job.Event{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, open := <-s.C:
		if !open {
			s.done = true
			return job.Event{}, false
		}
		return ev, true
	case <-timer.C:
		return job.Event{}, false
	}
}

// Done reports whether the stream has ended for good. A timed-out Next may
// still be followed by events; once Done returns true no event will ever
// arrive and the consumer should rely on polling alone.
func (s *Subscription) Done() bool {
	return s.done
}

// Close releases the subscription.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
