package bruteforce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	countKeySuffix   = "pin_failed_auth_count"
	blockedKeySuffix = "pin_failed_auth_limit_reached_at"
	changesSuffix    = "pin_failed_auth:changes"
)

// incrementScript bumps the counter and records the block start exactly once per
// block episode. The block start is stored as unix milliseconds.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local blockedAt = redis.call("GET", KEYS[2])
if count >= tonumber(ARGV[1]) and not blockedAt then
  redis.call("SET", KEYS[2], ARGV[2])
  blockedAt = ARGV[2]
end
return {count, blockedAt or ""}
`)

// RedisStore keeps the counters in two Redis keys and announces every write on
// a Pub/Sub channel so that other processes sharing the keys observe changes.
type RedisStore struct {
	client     redis.UniversalClient
	countKey   string
	blockedKey string
	channel    string
}

// NewRedisStore builds a Redis-backed CounterStore. prefix namespaces the keys.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{
		client:     client,
		countKey:   prefix + countKeySuffix,
		blockedKey: prefix + blockedKeySuffix,
		channel:    prefix + changesSuffix,
	}
}

// Snapshot reads both keys with a single MGET.
func (s *RedisStore) Snapshot(ctx context.Context) (Counters, error) {
	values, err := s.client.MGet(ctx, s.countKey, s.blockedKey).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("read counters: %w", err)
	}
	if len(values) != 2 {
		return Counters{}, fmt.Errorf("unexpected counters response length %d", len(values))
	}

	var counters Counters
	if raw, ok := values[0].(string); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Counters{}, fmt.Errorf("decode failed attempt count %q: %w", raw, err)
		}
		counters.FailedAttempts = n
	}
	if raw, ok := values[1].(string); ok {
		blockedAt, err := decodeInstant(raw)
		if err != nil {
			return Counters{}, err
		}
		counters.BlockedAt = blockedAt
	}
	return counters, nil
}

// Increment runs the increment script and publishes a change signal.
func (s *RedisStore) Increment(ctx context.Context, limit int, now time.Time) (Counters, error) {
	raw, err := incrementScript.Run(ctx, s.client, []string{s.countKey, s.blockedKey}, limit, now.UnixMilli()).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("increment counters: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Counters{}, fmt.Errorf("unexpected increment response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Counters{}, fmt.Errorf("unexpected increment count type: %T", values[0])
	}

	counters := Counters{FailedAttempts: int(count)}
	if blocked, _ := values[1].(string); blocked != "" {
		blockedAt, err := decodeInstant(blocked)
		if err != nil {
			return Counters{}, err
		}
		counters.BlockedAt = blockedAt
	}

	s.publish(ctx)
	return counters, nil
}

// Reset deletes both keys in one command so no reader sees one without the other.
func (s *RedisStore) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.countKey, s.blockedKey).Err(); err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	s.publish(ctx)
	return nil
}

// Watch subscribes to the change channel. The subscription is confirmed before
// Watch returns, so no write made after Watch returns is missed.
func (s *RedisStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to counter changes: %w", err)
	}

	out := make(chan struct{}, 1)
	messages := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) publish(ctx context.Context) {
	// Publish errors are ignored: the write already happened and watchers
	// re-read both keys on their next trigger.
	_ = s.client.Publish(ctx, s.channel, "changed").Err()
}

func decodeInstant(raw string) (time.Time, error) {
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.Join(fmt.Errorf("decode block start %q", raw), err)
	}
	return time.UnixMilli(millis).UTC(), nil
}
