package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"finetuner/internal/job"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events rather than blocking the
// publisher.
const subscriberBuffer = 64

// Memory is an in-process Bus for the single-process deployment and tests.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	logger *slog.Logger
}

type memorySub struct {
	jobID string
	ch    chan job.Event
	once  sync.Once
}

func (s *memorySub) closeOnce() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemory creates an in-process event bus.
func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		logger: slog.With("component", "eventbus"),
	}
}

func (m *Memory) Publish(ctx context.Context, jobID string, ev job.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	for sub := range m.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; it recovers on its next store poll.
			m.logger.Debug("Event dropped for slow subscriber", "jobId", jobID, "type", ev.Type)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySub{jobID: jobID, ch: make(chan job.Event, subscriberBuffer)}
	if m.subs[jobID] == nil {
		m.subs[jobID] = make(map[*memorySub]struct{})
	}
	m.subs[jobID][sub] = struct{}{}

	cancel := func() {
		m.mu.Lock()
		if set, ok := m.subs[jobID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(m.subs, jobID)
			}
		}
		m.mu.Unlock()
		sub.closeOnce()
	}
	return NewSubscription(sub.ch, cancel), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for jobID, set := range m.subs {
		for sub := range set {
			sub.closeOnce()
		}
		delete(m.subs, jobID)
	}
	return nil
}

// Verify Memory implements Bus
var _ Bus = (*Memory)(nil)
