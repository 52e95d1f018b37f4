package eventbus

import (
	"context"
	"sync"

	"finetuner/internal/job"
)

// Noop is the Bus used when no pub/sub infrastructure is available. Publish
// discards; Subscribe yields a stream that never delivers. Clients fall back
// to polling the store, which stays correct because the bus is never
// authoritative.
type Noop struct{}

// NewNoop creates a no-op event bus.
func NewNoop() Noop { return Noop{} }

func (Noop) Publish(ctx context.Context, jobID string, ev job.Event) error {
	return nil
}

func (Noop) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ch := make(chan job.Event)
	var once sync.Once
	return NewSubscription(ch, func() {
		once.Do(func() { close(ch) })
	}), nil
}

func (Noop) Close() error { return nil }

// Verify Noop implements Bus
var _ Bus = Noop{}
