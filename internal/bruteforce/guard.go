// Package bruteforce limits repeated PIN attempts. A Guard counts failed
// attempts in a persisted CounterStore, blocks PIN entry once the configured
// limit is reached and lifts the block automatically when it expires.
package bruteforce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// expiryGrace pushes the expiry timer just past blockedTill so that it never
// fires while the block is still in force.
const expiryGrace = time.Millisecond

// Guard computes the protection state and streams it to any number of
// subscribers through a single shared computation.
type Guard struct {
	clock  clockwork.Clock
	config ConfigSource
	store  CounterStore
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	active      *computation
}

// subscriber holds the latest undelivered state. A slow reader only ever
// falls behind to the newest value; it never holds up the shared computation.
type subscriber struct {
	ctx  context.Context
	ch   chan State
	wake chan struct{}

	mu         sync.Mutex
	pending    State
	hasPending bool
}

func newSubscriber(ctx context.Context) *subscriber {
	return &subscriber{ctx: ctx, ch: make(chan State), wake: make(chan struct{}, 1)}
}

// offer replaces the pending state without blocking.
func (s *subscriber) offer(state State) {
	s.mu.Lock()
	s.pending, s.hasPending = state, true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.pending, s.hasPending
	s.hasPending = false
	return state, ok
}

// computation is the shared recompute loop. It exists while at least one
// subscriber is attached.
type computation struct {
	ctx     context.Context
	cancel  context.CancelFunc
	last    State
	hasLast bool
}

// NewGuard wires a Guard. clock must be injected; tests pass a fake clock.
func NewGuard(clock clockwork.Clock, config ConfigSource, store CounterStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		clock:       clock,
		config:      config,
		store:       store,
		logger:      logger.With(slog.String("component", "bruteforce")),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// IncrementFailedAttempt records one failed PIN attempt. Reaching the limit
// starts a block; further attempts during the block leave its start untouched.
func (g *Guard) IncrementFailedAttempt(ctx context.Context) error {
	cfg, err := g.config.Current(ctx)
	if err != nil {
		return fmt.Errorf("load brute force config: %w", err)
	}
	counters, err := g.store.Increment(ctx, cfg.LimitOfFailedAttempts, g.clock.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	g.logger.Debug("failed pin attempt recorded",
		slog.Int("attempts_made", counters.FailedAttempts),
		slog.Bool("blocked", counters.HasBlock()),
	)
	return nil
}

// ResetFailedAttempts clears the counter and the block start together.
func (g *Guard) ResetFailedAttempts(ctx context.Context) error {
	if err := g.store.Reset(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// RecordSuccessfulAuthentication is ResetFailedAttempts under the name that
// reads better at PIN verification call sites.
func (g *Guard) RecordSuccessfulAuthentication(ctx context.Context) error {
	return g.ResetFailedAttempts(ctx)
}

// Current returns the protection state right now. An expired block is reset
// before the state is returned.
func (g *Guard) Current(ctx context.Context) (State, error) {
	return g.evaluate(ctx)
}

// StateChanges streams the protection state until ctx is done, at which point
// the channel is closed. The first value is the current state; later values are
// sent only when the state differs from the previous one.
func (g *Guard) StateChanges(ctx context.Context) <-chan State {
	sub := newSubscriber(ctx)

	g.mu.Lock()
	g.subscribers[sub] = struct{}{}
	if g.active == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		g.active = &computation{ctx: runCtx, cancel: cancel}
		go g.run(g.active)
	} else if g.active.hasLast {
		sub.offer(g.active.last)
	}
	g.mu.Unlock()

	go g.deliver(sub)

	return sub.ch
}

// deliver forwards the newest pending state to the subscriber until its
// context is done, then detaches it and closes its channel. A state equal to
// the one last delivered is dropped.
func (g *Guard) deliver(sub *subscriber) {
	defer close(sub.ch)
	defer g.detach(sub)

	var last State
	delivered := false
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.wake:
		}

		state, ok := sub.take()
		for ok {
			if delivered && last.Equal(state) {
				break
			}
			select {
			case sub.ch <- state:
				last, delivered = state, true
				ok = false
			case <-sub.wake:
				if newer, has := sub.take(); has {
					state = newer
				}
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

func (g *Guard) detach(sub *subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.subscribers, sub)

	if len(g.subscribers) == 0 && g.active != nil {
		g.active.cancel()
		g.active = nil
	}
}

func (g *Guard) run(c *computation) {
	ctx := c.ctx

	configChanges := g.config.Watch(ctx)
	storeChanges, err := g.store.Watch(ctx)
	if err != nil {
		g.logger.Error("watch counter store", "error", err)
	}

	expired := make(chan struct{}, 1)
	var timer clockwork.Timer
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	defer disarm()

	recompute := func() {
		state, err := g.evaluate(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Error("compute protected state", "error", err)
			}
			return
		}

		disarm()
		if state.IsBlocked() {
			wait := max(state.BlockedTill.Sub(g.clock.Now()), 0) + expiryGrace
			timer = g.clock.AfterFunc(wait, func() {
				select {
				case expired <- struct{}{}:
				default:
				}
			})
		}

		g.publish(c, state)
	}

	recompute()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-configChanges:
			if !ok {
				configChanges = nil
				continue
			}
			recompute()
		case _, ok := <-storeChanges:
			if !ok {
				storeChanges = nil
				continue
			}
			recompute()
		case <-expired:
			recompute()
		}
	}
}

// evaluate reads the latest config and one counters snapshot. A block whose end
// has passed is reset here, which is also how the expiry timer takes effect.
func (g *Guard) evaluate(ctx context.Context) (State, error) {
	cfg, err := g.config.Current(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load brute force config: %w", err)
	}
	counters, err := g.store.Snapshot(ctx)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	state := Evaluate(cfg, counters)
	if !state.IsBlocked() || g.clock.Now().Before(state.BlockedTill) {
		return state, nil
	}

	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if err := g.ResetFailedAttempts(ctx); err != nil {
		return State{}, err
	}
	g.logger.Info("pin entry block expired", slog.Int("attempts_made", counters.FailedAttempts))
	return Evaluate(cfg, Counters{}), nil
}

func (g *Guard) publish(c *computation, state State) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.ctx.Err() != nil || g.active != c {
		return
	}
	if c.hasLast && c.last.Equal(state) {
		return
	}
	c.last, c.hasLast = state, true

	g.logger.Debug("protected state changed", slog.String("state", state.String()))
	for sub := range g.subscribers {
		sub.offer(state)
	}
}
