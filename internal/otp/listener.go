// Package otp receives login OTPs relayed by the device SMS bridge.
package otp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const defaultListenWindow = 10 * time.Minute

// Listener starts listening for an incoming login OTP.
type Listener interface {
	ListenForLoginOtp(ctx context.Context) error
}

// Received is the most recent OTP seen by the listener.
type Received struct {
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
}

// RedisListener subscribes to the SMS bridge inbox channel. Each call to
// ListenForLoginOtp replaces the previous subscription and listens for at
// most window.
type RedisListener struct {
	client  redis.UniversalClient
	channel string
	window  time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	latest *Received
}

// NewRedisListener builds a listener on prefix + "login_otp:inbox".
func NewRedisListener(client redis.UniversalClient, prefix string, window time.Duration, clock clockwork.Clock, logger *slog.Logger) *RedisListener {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if window <= 0 {
		window = defaultListenWindow
	}
	return &RedisListener{
		client:  client,
		channel: prefix + "login_otp:inbox",
		window:  window,
		clock:   clock,
		logger:  logger,
	}
}

// ListenForLoginOtp confirms the subscription, then keeps listening in the
// background after ctx is done.
func (l *RedisListener) ListenForLoginOtp(ctx context.Context) error {
	listenCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.window)
	pubsub := l.client.Subscribe(listenCtx, l.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to otp inbox: %w", err)
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.latest = nil
	l.mu.Unlock()

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-listenCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				code := strings.TrimSpace(msg.Payload)
				if code == "" {
					continue
				}
				l.mu.Lock()
				l.latest = &Received{Code: code, ReceivedAt: l.clock.Now().UTC()}
				l.mu.Unlock()
				l.logger.Info("login otp received")
			}
		}
	}()
	return nil
}

// Latest returns the last OTP received by the current subscription.
func (l *RedisListener) Latest() (Received, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest == nil {
		return Received{}, false
	}
	return *l.latest, true
}

// Stop ends the current subscription.
func (l *RedisListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}
