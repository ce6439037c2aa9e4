package facility

import (
	"context"
	"sort"
	"sync"
)

type memoryRepository struct {
	mu         sync.RWMutex
	storage    map[string][]string
	facilities map[string]Facility
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string][]string), facilities: make(map[string]Facility)}
}

func (r *memoryRepository) SaveFacilities(_ context.Context, facilities []Facility) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range facilities {
		r.facilities[f.UUID] = f
	}
	return nil
}

func (r *memoryRepository) Facilities(_ context.Context) ([]Facility, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Facility, 0, len(r.facilities))
	for _, f := range r.facilities {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID < out[j].UUID
	})
	return out, nil
}

func (r *memoryRepository) AssociateUserWithFacilities(_ context.Context, userUUID string, facilityUUIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := append([]string(nil), facilityUUIDs...)
	sort.Strings(ids)
	r.storage[userUUID] = ids
	return nil
}

func (r *memoryRepository) FacilityUUIDsForUser(_ context.Context, userUUID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.storage[userUUID]...), nil
}
