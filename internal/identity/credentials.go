package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	accessTokenKey       = "access_token"
	ongoingLoginKey      = "ongoing_login_entry"
	ongoingRegisterKey   = "ongoing_registration_entry"
	defaultLoginEntryTTL = 30 * time.Minute
)

// Credentials holds the access token and the staged login and registration
// entries.
type Credentials interface {
	AccessToken(ctx context.Context) (string, bool, error)
	SetAccessToken(ctx context.Context, token string) error
	OngoingLoginEntry(ctx context.Context) (OngoingLoginEntry, error)
	SaveOngoingLoginEntry(ctx context.Context, entry OngoingLoginEntry) error
	ClearOngoingLoginEntry(ctx context.Context) error
	OngoingRegistrationEntry(ctx context.Context) (OngoingRegistrationEntry, error)
	SaveOngoingRegistrationEntry(ctx context.Context, entry OngoingRegistrationEntry) error
	ClearOngoingRegistrationEntry(ctx context.Context) error
}

// RedisCredentials stores credentials in Redis. Staged entries expire after
// entryTTL so an abandoned flow does not keep the PIN around.
type RedisCredentials struct {
	client   redis.UniversalClient
	prefix   string
	entryTTL time.Duration
}

// NewRedisCredentials builds a Redis-backed credentials store.
func NewRedisCredentials(client redis.UniversalClient, prefix string, entryTTL time.Duration) *RedisCredentials {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if entryTTL <= 0 {
		entryTTL = defaultLoginEntryTTL
	}
	return &RedisCredentials{client: client, prefix: prefix, entryTTL: entryTTL}
}

func (c *RedisCredentials) AccessToken(ctx context.Context) (string, bool, error) {
	token, err := c.client.Get(ctx, c.prefix+accessTokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read access token: %w", err)
	}
	return token, true, nil
}

func (c *RedisCredentials) SetAccessToken(ctx context.Context, token string) error {
	if err := c.client.Set(ctx, c.prefix+accessTokenKey, token, 0).Err(); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

func (c *RedisCredentials) OngoingLoginEntry(ctx context.Context) (OngoingLoginEntry, error) {
	var entry OngoingLoginEntry
	err := c.readEntry(ctx, ongoingLoginKey, ErrNoLoginEntry, &entry)
	return entry, err
}

func (c *RedisCredentials) SaveOngoingLoginEntry(ctx context.Context, entry OngoingLoginEntry) error {
	return c.writeEntry(ctx, ongoingLoginKey, entry)
}

func (c *RedisCredentials) ClearOngoingLoginEntry(ctx context.Context) error {
	return c.clearEntry(ctx, ongoingLoginKey)
}

func (c *RedisCredentials) OngoingRegistrationEntry(ctx context.Context) (OngoingRegistrationEntry, error) {
	var entry OngoingRegistrationEntry
	err := c.readEntry(ctx, ongoingRegisterKey, ErrNoRegistrationEntry, &entry)
	return entry, err
}

func (c *RedisCredentials) SaveOngoingRegistrationEntry(ctx context.Context, entry OngoingRegistrationEntry) error {
	return c.writeEntry(ctx, ongoingRegisterKey, entry)
}

func (c *RedisCredentials) ClearOngoingRegistrationEntry(ctx context.Context) error {
	return c.clearEntry(ctx, ongoingRegisterKey)
}

func (c *RedisCredentials) readEntry(ctx context.Context, key string, missing error, out any) error {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return missing
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *RedisCredentials) writeEntry(ctx context.Context, key string, entry any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, payload, c.entryTTL).Err(); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (c *RedisCredentials) clearEntry(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}

type memoryCredentials struct {
	mu           sync.RWMutex
	token        *string
	entry        *OngoingLoginEntry
	registration *OngoingRegistrationEntry
}

// NewMemoryCredentials builds an in-memory credentials store for testing.
func NewMemoryCredentials() Credentials {
	return &memoryCredentials{}
}

func (c *memoryCredentials) AccessToken(_ context.Context) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return "", false, nil
	}
	return *c.token, true, nil
}

func (c *memoryCredentials) SetAccessToken(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = &token
	return nil
}

func (c *memoryCredentials) OngoingLoginEntry(_ context.Context) (OngoingLoginEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return OngoingLoginEntry{}, ErrNoLoginEntry
	}
	return *c.entry, nil
}

func (c *memoryCredentials) SaveOngoingLoginEntry(_ context.Context, entry OngoingLoginEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &entry
	return nil
}

func (c *memoryCredentials) ClearOngoingLoginEntry(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
	return nil
}

func (c *memoryCredentials) OngoingRegistrationEntry(_ context.Context) (OngoingRegistrationEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registration == nil {
		return OngoingRegistrationEntry{}, ErrNoRegistrationEntry
	}
	entry := *c.registration
	entry.FacilityUUIDs = append([]string(nil), entry.FacilityUUIDs...)
	return entry, nil
}

func (c *memoryCredentials) SaveOngoingRegistrationEntry(_ context.Context, entry OngoingRegistrationEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.FacilityUUIDs = append([]string(nil), entry.FacilityUUIDs...)
	c.registration = &entry
	return nil
}

func (c *memoryCredentials) ClearOngoingRegistrationEntry(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registration = nil
	return nil
}
