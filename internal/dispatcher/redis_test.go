package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T, lease time.Duration) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBroker(rdb, RedisConfig{ClaimLease: lease}), mr
}

func mustClaim(t *testing.T, b *RedisBroker, want string) {
	t.Helper()
	id, err := b.Claim(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if id != want {
		t.Fatalf("claimed %q, want %q", id, want)
	}
}

func mustBeEmpty(t *testing.T, b *RedisBroker) {
	t.Helper()
	if id, err := b.Claim(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrNoJob) {
		t.Fatalf("Claim = (%q, %v), want no job", id, err)
	}
}

func TestRedisBroker_RequeueStaleLeavesLiveClaimsAlone(t *testing.T) {
	broker, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, broker, "j1")

	// The claim is fresh; the reaper must not hand it to anyone else.
	moved, err := broker.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 0 {
		t.Fatalf("requeued %d in-flight claims, want 0", moved)
	}
	mustBeEmpty(t, broker)
}

func TestRedisBroker_RequeueStaleReclaimsExpiredLease(t *testing.T) {
	broker, _ := newTestBroker(t, 50*time.Millisecond)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, broker, "j1")

	// No heartbeats arrive; the claimer is presumed dead once the lease
	// runs out.
	time.Sleep(100 * time.Millisecond)
	moved, err := broker.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Fatalf("requeued %d claims, want 1", moved)
	}
	mustClaim(t, broker, "j1")
}

func TestRedisBroker_HeartbeatExtendsLease(t *testing.T) {
	broker, _ := newTestBroker(t, 150*time.Millisecond)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, broker, "j1")

	// Outlive the lease several times over, heartbeating throughout.
	for i := 0; i < 8; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := broker.Heartbeat(ctx, "j1"); err != nil {
			t.Fatal(err)
		}
		moved, err := broker.RequeueStale(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if moved != 0 {
			t.Fatalf("heartbeating claim requeued on pass %d", i+1)
		}
	}
	mustBeEmpty(t, broker)
}

func TestRedisBroker_AckReleasesClaim(t *testing.T) {
	broker, _ := newTestBroker(t, 50*time.Millisecond)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, broker, "j1")
	if err := broker.Ack(ctx, "j1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	moved, err := broker.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 0 {
		t.Fatalf("requeued %d acked claims, want 0", moved)
	}

	// Ack cleared the dedup set too, so the id can run again later.
	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, broker, "j1")
}

func TestRedisBroker_MissingStampCountsAsStale(t *testing.T) {
	broker, mr := newTestBroker(t, time.Minute)
	ctx := context.Background()

	// A claimer that died between the claim and recording its stamp leaves
	// the id in processing with no lease at all.
	if _, err := mr.Lpush("jobs:processing", "j1"); err != nil {
		t.Fatal(err)
	}

	moved, err := broker.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Fatalf("requeued %d stampless claims, want 1", moved)
	}
	mustClaim(t, broker, "j1")
}

func TestRedisBroker_RevokedIdIsNotClaimed(t *testing.T) {
	broker, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	if err := broker.Revoke(ctx, "j1"); err != nil {
		t.Fatal(err)
	}

	mustBeEmpty(t, broker)

	// The revoked claim must not linger for the reaper to resurrect.
	moved, err := broker.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 0 {
		t.Fatalf("requeued %d revoked claims, want 0", moved)
	}
}

func TestRedisBroker_EnqueueDedup(t *testing.T) {
	broker, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	if err := broker.Enqueue(ctx, "j1"); err != nil {
		t.Fatal(err)
	}

	mustClaim(t, broker, "j1")
	mustBeEmpty(t, broker)
}
