package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"finetuner/internal/job"
)

// channelPrefix namespaces per-job pub/sub channels.
const channelPrefix = "job_events:"

// Redis is a Bus backed by Redis pub/sub, used when API and workers run in
// separate processes. Publish failures are logged and swallowed; the bus is
// not the source of truth.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis-backed event bus.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{
		rdb:    rdb,
		logger: slog.With("component", "eventbus"),
	}
}

func channelFor(jobID string) string {
	return channelPrefix + jobID
}

func (r *Redis) Publish(ctx context.Context, jobID string, ev job.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channelFor(jobID), payload).Err(); err != nil {
		r.logger.Warn("Event publish failed", "jobId", jobID, "error", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channelFor(jobID))

	// Force the subscription to be established before returning so events
	// published immediately after are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan job.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev job.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("Malformed event payload", "jobId", jobID, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	cancel := func() {
		_ = ps.Close()
	}
	return NewSubscription(out, cancel), nil
}

func (r *Redis) Close() error {
	return nil
}

// Verify Redis implements Bus
var _ Bus = (*Redis)(nil)
