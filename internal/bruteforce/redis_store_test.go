package bruteforce

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/fieldclinic/clinic_session/internal/logging"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisStore(client, "clinic"), mr
}

func TestRedisStoreIncrementRecordsBlockStartOnce(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		counters, err := store.Increment(ctx, 3, t0)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if counters.FailedAttempts != i || counters.HasBlock() {
			t.Fatalf("increment %d: unexpected counters %+v", i, counters)
		}
	}

	counters, err := store.Increment(ctx, 3, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("increment 3: %v", err)
	}
	if !counters.BlockedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected block start %s, got %s", t0.Add(time.Second), counters.BlockedAt)
	}

	counters, err = store.Increment(ctx, 3, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("increment 4: %v", err)
	}
	if counters.FailedAttempts != 4 || !counters.BlockedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("block start moved: %+v", counters)
	}

	if got, _ := mr.Get("clinic:pin_failed_auth_count"); got != "4" {
		t.Fatalf("expected persisted count 4, got %q", got)
	}
}

func TestRedisStoreSnapshotAndReset(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	empty, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if empty != (Counters{}) {
		t.Fatalf("expected empty counters, got %+v", empty)
	}

	if _, err := store.Increment(ctx, 1, t0); err != nil {
		t.Fatalf("increment: %v", err)
	}
	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FailedAttempts != 1 || !snap.BlockedAt.Equal(t0) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if mr.Exists("clinic:pin_failed_auth_count") || mr.Exists("clinic:pin_failed_auth_limit_reached_at") {
		t.Fatalf("expected both keys removed")
	}
}

func TestRedisStoreWatchSignalsWrites(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := store.Increment(ctx, 5, t0); err != nil {
		t.Fatalf("increment: %v", err)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected change signal")
	}
}

func TestGuardOverRedisStore(t *testing.T) {
	store, _ := setupRedisStore(t)
	clock := clockwork.NewFakeClockAt(t0)
	g := NewGuard(clock, NewConfigValue(Config{LimitOfFailedAttempts: 2, BlockDuration: time.Minute, IsEnabled: true}), store, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 2))

	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, states, Allowed(1, 1))
	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, states, Blocked(2, t0.Add(time.Minute)))

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("wait for expiry timer: %v", err)
	}
	clock.Advance(time.Minute + time.Millisecond)
	expectState(t, states, Allowed(0, 2))
}
