package bruteforce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldclinic/clinic_session/internal/logging"
)

var t0 = time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)

func newTestGuard(cfg Config) (*Guard, *MemoryStore, *ConfigValue, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(t0)
	store := NewMemoryStore()
	config := NewConfigValue(cfg)
	return NewGuard(clock, config, store, logging.Discard()), store, config, clock
}

func nextState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("state channel closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state")
	}
	return State{}
}

func expectState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	if got := nextState(t, ch); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func expectNoState(t *testing.T, ch <-chan State) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected state %s", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func mustCurrent(t *testing.T, g *Guard) State {
	t.Helper()
	s, err := g.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	return s
}

func TestEvaluateDisabledAlwaysAllowsOneAttempt(t *testing.T) {
	cfg := Config{LimitOfFailedAttempts: 3, BlockDuration: time.Minute, IsEnabled: false}
	for _, counters := range []Counters{
		{},
		{FailedAttempts: 1},
		{FailedAttempts: 7},
		{FailedAttempts: 3, BlockedAt: t0},
	} {
		got := Evaluate(cfg, counters)
		want := Allowed(min(1, counters.FailedAttempts), 1)
		if !got.Equal(want) {
			t.Fatalf("counters %+v: expected %s, got %s", counters, want, got)
		}
	}
}

func TestIncrementUntilBlocked(t *testing.T) {
	g, _, _, _ := newTestGuard(Config{LimitOfFailedAttempts: 5, BlockDuration: 20 * time.Minute, IsEnabled: true})
	ctx := context.Background()

	for n := 1; n < 5; n++ {
		if err := g.IncrementFailedAttempt(ctx); err != nil {
			t.Fatalf("increment %d: %v", n, err)
		}
		if got, want := mustCurrent(t, g), Allowed(n, 5-n); !got.Equal(want) {
			t.Fatalf("after %d failures expected %s, got %s", n, want, got)
		}
	}

	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment 5: %v", err)
	}
	if got, want := mustCurrent(t, g), Blocked(5, t0.Add(20*time.Minute)); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBlockedTillDoesNotMoveOnFurtherFailures(t *testing.T) {
	g, _, _, clock := newTestGuard(Config{LimitOfFailedAttempts: 2, BlockDuration: 10 * time.Minute, IsEnabled: true})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.IncrementFailedAttempt(ctx); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	clock.Advance(3 * time.Minute)
	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment while blocked: %v", err)
	}

	if got, want := mustCurrent(t, g), Blocked(3, t0.Add(10*time.Minute)); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestResetReturnsFullAllowance(t *testing.T) {
	g, store, _, _ := newTestGuard(Config{LimitOfFailedAttempts: 4, BlockDuration: time.Minute, IsEnabled: true})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := g.IncrementFailedAttempt(ctx); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := g.RecordSuccessfulAuthentication(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if got, want := mustCurrent(t, g), Allowed(0, 4); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	counters, _ := store.Snapshot(ctx)
	if counters != (Counters{}) {
		t.Fatalf("expected cleared counters, got %+v", counters)
	}
}

func TestStateChangesAutoExpiresBlock(t *testing.T) {
	g, _, _, clock := newTestGuard(Config{LimitOfFailedAttempts: 3, BlockDuration: 30 * time.Second, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 3))

	for n := 1; n <= 3; n++ {
		if err := g.IncrementFailedAttempt(ctx); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n < 3 {
			expectState(t, states, Allowed(n, 3-n))
		}
	}
	expectState(t, states, Blocked(3, t0.Add(30*time.Second)))

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("wait for expiry timer: %v", err)
	}
	clock.Advance(30 * time.Second)
	expectNoState(t, states)

	clock.Advance(time.Second)
	expectState(t, states, Allowed(0, 3))
}

func TestStateChangesWhenDisabledIgnoresBlock(t *testing.T) {
	g, _, config, _ := newTestGuard(Config{LimitOfFailedAttempts: 2, BlockDuration: time.Hour, IsEnabled: false})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 1))

	for i := 0; i < 3; i++ {
		if err := g.IncrementFailedAttempt(ctx); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	expectState(t, states, Allowed(1, 1))
	expectNoState(t, states)

	config.Set(Config{LimitOfFailedAttempts: 2, BlockDuration: time.Hour, IsEnabled: true})
	expectState(t, states, Blocked(3, t0.Add(time.Hour)))
}

func TestConfigShrinkingBlockDurationRearmsTimer(t *testing.T) {
	g, _, config, clock := newTestGuard(Config{LimitOfFailedAttempts: 1, BlockDuration: 10 * time.Minute, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 1))

	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, states, Blocked(1, t0.Add(10*time.Minute)))

	clock.Advance(time.Minute)
	config.Set(Config{LimitOfFailedAttempts: 1, BlockDuration: 5 * time.Minute, IsEnabled: true})
	expectState(t, states, Blocked(1, t0.Add(5*time.Minute)))

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("wait for expiry timer: %v", err)
	}
	clock.Advance(4*time.Minute + time.Millisecond)
	expectState(t, states, Allowed(0, 1))
}

func TestConfigShrinkingBelowElapsedTimeUnblocksImmediately(t *testing.T) {
	g, store, config, clock := newTestGuard(Config{LimitOfFailedAttempts: 1, BlockDuration: 10 * time.Minute, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 1))
	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, states, Blocked(1, t0.Add(10*time.Minute)))

	clock.Advance(3 * time.Minute)
	config.Set(Config{LimitOfFailedAttempts: 1, BlockDuration: time.Minute, IsEnabled: true})
	expectState(t, states, Allowed(0, 1))

	counters, _ := store.Snapshot(ctx)
	if counters != (Counters{}) {
		t.Fatalf("expected counters reset, got %+v", counters)
	}
}

func TestStateChangesSuppressesDuplicates(t *testing.T) {
	g, _, config, _ := newTestGuard(Config{LimitOfFailedAttempts: 3, BlockDuration: time.Minute, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 3))

	config.Set(Config{LimitOfFailedAttempts: 3, BlockDuration: 2 * time.Minute, IsEnabled: true})
	if err := g.ResetFailedAttempts(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	expectNoState(t, states)

	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, states, Allowed(1, 2))
}

func TestSubscribersShareOneComputation(t *testing.T) {
	g, _, _, _ := newTestGuard(Config{LimitOfFailedAttempts: 3, BlockDuration: time.Minute, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := g.StateChanges(ctx)
	expectState(t, first, Allowed(0, 3))

	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, first, Allowed(1, 2))

	second := g.StateChanges(ctx)
	expectState(t, second, Allowed(1, 2))

	if err := g.IncrementFailedAttempt(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, first, Allowed(2, 1))
	expectState(t, second, Allowed(2, 1))
}

func TestLastSubscriberDetachingCancelsExpiry(t *testing.T) {
	g, store, _, clock := newTestGuard(Config{LimitOfFailedAttempts: 1, BlockDuration: time.Minute, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())

	states := g.StateChanges(ctx)
	expectState(t, states, Allowed(0, 1))
	if err := g.IncrementFailedAttempt(context.Background()); err != nil {
		t.Fatalf("increment: %v", err)
	}
	expectState(t, states, Blocked(1, t0.Add(time.Minute)))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("wait for expiry timer: %v", err)
	}

	cancel()
	for range states {
	}
	if err := clock.BlockUntilContext(waitCtx, 0); err != nil {
		t.Fatalf("expiry timer still armed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	counters, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if counters.FailedAttempts != 1 || !counters.HasBlock() {
		t.Fatalf("expected counters untouched after detach, got %+v", counters)
	}
}

func TestStorageFailuresPropagate(t *testing.T) {
	g, store, _, _ := newTestGuard(Config{LimitOfFailedAttempts: 3, BlockDuration: time.Minute, IsEnabled: true})
	boom := errors.New("disk full")
	store.FailWith(boom)
	ctx := context.Background()

	err := g.IncrementFailedAttempt(ctx)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
		t.Fatalf("expected storage error wrapping cause, got %v", err)
	}
	if err := g.ResetFailedAttempts(ctx); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error on reset, got %v", err)
	}
	if _, err := g.Current(ctx); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error on read, got %v", err)
	}
}

func waitForState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("state channel closed before %s", want)
			}
			if s.Equal(want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	g, _, _, _ := newTestGuard(Config{LimitOfFailedAttempts: 100, BlockDuration: time.Minute, IsEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stalledCtx, stalledCancel := context.WithCancel(ctx)
	stalled := g.StateChanges(stalledCtx)
	live := g.StateChanges(ctx)
	waitForState(t, live, Allowed(0, 100))

	for i := 0; i < 20; i++ {
		if err := g.IncrementFailedAttempt(ctx); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	waitForState(t, live, Allowed(20, 80))

	joined := make(chan (<-chan State), 1)
	go func() { joined <- g.StateChanges(ctx) }()
	select {
	case late := <-joined:
		expectState(t, late, Allowed(20, 80))
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribing blocked behind a stalled subscriber")
	}

	waitForState(t, stalled, Allowed(20, 80))

	stalledCancel()
	for range stalled {
	}
}
