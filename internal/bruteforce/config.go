package bruteforce

import (
	"context"
	"sync"
	"time"
)

// Config controls how many failed PIN attempts are tolerated and for how long
// PIN entry stays blocked once the limit is reached.
type Config struct {
	LimitOfFailedAttempts int
	BlockDuration         time.Duration
	IsEnabled             bool
}

// ConfigSource supplies the latest protection config. The value may change over
// the lifetime of the process; Watch signals every change.
type ConfigSource interface {
	Current(ctx context.Context) (Config, error)
	Watch(ctx context.Context) <-chan struct{}
}

// ConfigValue is an in-process ConfigSource whose value can be replaced at
// runtime, e.g. after pulling a new config from the server.
type ConfigValue struct {
	mu      sync.RWMutex
	cfg     Config
	changes notifier
}

// NewConfigValue builds a ConfigValue seeded with cfg.
func NewConfigValue(cfg Config) *ConfigValue {
	return &ConfigValue{cfg: cfg}
}

// Current returns the latest config snapshot.
func (v *ConfigValue) Current(_ context.Context) (Config, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg, nil
}

// Set replaces the config and notifies watchers when it actually changed.
func (v *ConfigValue) Set(cfg Config) {
	v.mu.Lock()
	changed := v.cfg != cfg
	v.cfg = cfg
	v.mu.Unlock()

	if changed {
		v.changes.notify()
	}
}

// Watch returns a channel that receives a signal after every config change.
func (v *ConfigValue) Watch(ctx context.Context) <-chan struct{} {
	return v.changes.subscribe(ctx)
}

// notifier fans change signals out to watchers. Signals are coalesced: a watcher
// that has not drained the previous signal does not get a second one, which is
// fine because watchers always re-read the latest value.
type notifier struct {
	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
}

func (n *notifier) subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.watchers == nil {
		n.watchers = make(map[chan struct{}]struct{})
	}
	n.watchers[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.watchers, ch)
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
