package otp

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/fieldclinic/clinic_session/internal/logging"
)

func TestRedisListenerRecordsLatestOtp(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC))
	listener := NewRedisListener(client, "clinic", time.Minute, clock, logging.Discard())
	defer listener.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := listener.ListenForLoginOtp(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	cancel()

	if _, ok := listener.Latest(); ok {
		t.Fatalf("expected no otp before one is published")
	}

	if err := client.Publish(context.Background(), "clinic:login_otp:inbox", "123456").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := listener.Latest(); ok {
			if got.Code != "123456" || !got.ReceivedAt.Equal(clock.Now()) {
				t.Fatalf("unexpected otp %+v", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("otp was not received")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisListenerSubscribeFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	listener := NewRedisListener(client, "clinic", time.Minute, clockwork.NewRealClock(), logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := listener.ListenForLoginOtp(ctx); err == nil {
		t.Fatalf("expected subscribe error when redis is down")
	}
}
