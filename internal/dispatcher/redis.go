package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoJob is returned by Claim when no job arrived within the timeout.
var ErrNoJob = errors.New("no job available")

// DefaultClaimLease is how long a claim survives without a heartbeat. A job
// legitimately stays claimed for its entire run, which can be an hour; only
// a worker that stopped heartbeating forfeits its claim.
const DefaultClaimLease = 2 * time.Minute

// Redis key layout. A reliable queue: ids move from the queue list to the
// processing list on claim (BRPOPLPUSH) and are removed on ack, so a crashed
// worker's claims can be requeued by the reaper. The claims hash carries a
// lease timestamp per claimed id, refreshed by worker heartbeats, so the
// reaper can tell a dead claimer from one that is simply mid-run. The
// enqueued set is the broker-side dedup key; the revoked set carries
// best-effort cancellations to workers that have not claimed yet.
type RedisConfig struct {
	QueueKey      string // default: jobs:queue
	ProcessingKey string // default: jobs:processing
	EnqueuedKey   string // default: jobs:enqueued
	RevokedKey    string // default: jobs:revoked
	ClaimsKey     string // default: jobs:claims

	// ClaimLease bounds how stale a claim's heartbeat may get before the
	// reaper requeues it. Must comfortably exceed the heartbeat interval.
	ClaimLease time.Duration // default: DefaultClaimLease
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.QueueKey == "" {
		c.QueueKey = "jobs:queue"
	}
	if c.ProcessingKey == "" {
		c.ProcessingKey = "jobs:processing"
	}
	if c.EnqueuedKey == "" {
		c.EnqueuedKey = "jobs:enqueued"
	}
	if c.RevokedKey == "" {
		c.RevokedKey = "jobs:revoked"
	}
	if c.ClaimsKey == "" {
		c.ClaimsKey = "jobs:claims"
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	return c
}

// RedisBroker implements Broker on Redis lists.
type RedisBroker struct {
	rdb    *redis.Client
	config RedisConfig
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(rdb *redis.Client, cfg RedisConfig) *RedisBroker {
	return &RedisBroker{rdb: rdb, config: cfg.withDefaults()}
}

func (b *RedisBroker) Enqueue(ctx context.Context, jobID string) error {
	added, err := b.rdb.SAdd(ctx, b.config.EnqueuedKey, jobID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		// Already queued; the job id is the dedup key.
		return nil
	}
	return b.rdb.LPush(ctx, b.config.QueueKey, jobID).Err()
}

func (b *RedisBroker) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := b.rdb.BRPopLPush(ctx, b.config.QueueKey, b.config.ProcessingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoJob
		}
		return "", err
	}

	revoked, err := b.rdb.SIsMember(ctx, b.config.RevokedKey, id).Result()
	if err == nil && revoked {
		_ = b.Ack(ctx, id)
		_ = b.rdb.SRem(ctx, b.config.RevokedKey, id).Err()
		return "", ErrNoJob
	}

	// A failed stamp leaves the id in processing without a lease; the
	// reaper treats that as stale and requeues it, so nothing is lost.
	if err := b.stamp(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (b *RedisBroker) stamp(ctx context.Context, jobID string) error {
	return b.rdb.HSet(ctx, b.config.ClaimsKey, jobID, time.Now().UnixMilli()).Err()
}

// Heartbeat refreshes the claim lease for an in-flight job. Workers call
// this periodically for the whole run; a claim whose heartbeats stop is
// requeued by the reaper after the lease expires.
func (b *RedisBroker) Heartbeat(ctx context.Context, jobID string) error {
	return b.stamp(ctx, jobID)
}

func (b *RedisBroker) Ack(ctx context.Context, jobID string) error {
	if err := b.rdb.LRem(ctx, b.config.ProcessingKey, 1, jobID).Err(); err != nil {
		return err
	}
	_ = b.rdb.HDel(ctx, b.config.ClaimsKey, jobID).Err()
	return b.rdb.SRem(ctx, b.config.EnqueuedKey, jobID).Err()
}

func (b *RedisBroker) Revoke(ctx context.Context, jobID string) error {
	return b.rdb.SAdd(ctx, b.config.RevokedKey, jobID).Err()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// RequeueStale moves up to max claimed-but-unacked ids whose lease expired
// back to the queue. An id with a live heartbeat is never touched, no matter
// how long it has been processing; an id with no stamp at all belongs to a
// claimer that died before recording one. Run periodically by the worker
// process; gives at-least-once delivery when a worker dies mid-job while
// keeping in-flight jobs on exactly one worker.
func (b *RedisBroker) RequeueStale(ctx context.Context, max int64) (int64, error) {
	ids, err := b.rdb.LRange(ctx, b.config.ProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-b.config.ClaimLease).UnixMilli()
	var moved int64
	for _, id := range ids {
		if moved >= max {
			break
		}
		stamp, err := b.rdb.HGet(ctx, b.config.ClaimsKey, id).Int64()
		if err == nil && stamp >= cutoff {
			continue // lease still held
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return moved, err
		}

		removed, err := b.rdb.LRem(ctx, b.config.ProcessingKey, 1, id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue // acked while we looked
		}
		if err := b.rdb.LPush(ctx, b.config.QueueKey, id).Err(); err != nil {
			return moved, err
		}
		_ = b.rdb.HDel(ctx, b.config.ClaimsKey, id).Err()
		moved++
	}
	return moved, nil
}

// Verify RedisBroker implements Broker
var _ Broker = (*RedisBroker)(nil)
