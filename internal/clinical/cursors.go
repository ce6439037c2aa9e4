package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entity names a synced record type with its own pull cursor.
type Entity string

const (
	EntityPatient        Entity = "patient"
	EntityBloodPressure  Entity = "blood_pressure"
	EntityPrescription   Entity = "prescription"
	EntityAppointment    Entity = "appointment"
	EntityCommunication  Entity = "communication"
	EntityMedicalHistory Entity = "medical_history"

	// EntityFacility is pulled like the others but is not patient data, so
	// ClearAll keeps its cursor.
	EntityFacility Entity = "facility"
)

// Entities lists the patient data entities cleared by ClearAll.
var Entities = []Entity{
	EntityPatient,
	EntityBloodPressure,
	EntityPrescription,
	EntityAppointment,
	EntityCommunication,
	EntityMedicalHistory,
}

// Cursors stores the last pull timestamp per entity.
type Cursors interface {
	Get(ctx context.Context, entity Entity) (time.Time, bool, error)
	Set(ctx context.Context, entity Entity, at time.Time) error
	ClearAll(ctx context.Context) error
}

// RedisCursors keeps cursors in Redis as RFC 3339 timestamps.
type RedisCursors struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCursors builds Redis-backed pull cursors.
func NewRedisCursors(client redis.UniversalClient, prefix string) *RedisCursors {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisCursors{client: client, prefix: prefix}
}

func (c *RedisCursors) key(entity Entity) string {
	return c.prefix + "sync_pull_timestamp:" + string(entity)
}

func (c *RedisCursors) Get(ctx context.Context, entity Entity) (time.Time, bool, error) {
	raw, err := c.client.Get(ctx, c.key(entity)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s cursor: %w", entity, err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s cursor: %w", entity, err)
	}
	return at, true, nil
}

func (c *RedisCursors) Set(ctx context.Context, entity Entity, at time.Time) error {
	if err := c.client.Set(ctx, c.key(entity), at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("store %s cursor: %w", entity, err)
	}
	return nil
}

// ClearAll removes the patient data cursors with a single DEL.
func (c *RedisCursors) ClearAll(ctx context.Context) error {
	keys := make([]string, 0, len(Entities))
	for _, entity := range Entities {
		keys = append(keys, c.key(entity))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear cursors: %w", err)
	}
	return nil
}

type memoryCursors struct {
	mu      sync.RWMutex
	cursors map[Entity]time.Time
}

// NewMemoryCursors builds in-memory cursors for tests.
func NewMemoryCursors() Cursors {
	return &memoryCursors{cursors: make(map[Entity]time.Time)}
}

func (c *memoryCursors) Get(_ context.Context, entity Entity) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.cursors[entity]
	return at, ok, nil
}

func (c *memoryCursors) Set(_ context.Context, entity Entity, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[entity] = at
	return nil
}

func (c *memoryCursors) ClearAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entity := range Entities {
		delete(c.cursors, entity)
	}
	return nil
}
