package identity

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu   sync.RWMutex
	user *User
}

// NewMemoryRepository builds an in-memory user store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{}
}

func (r *memoryRepository) Current(_ context.Context) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.user == nil {
		return User{}, ErrNoUser
	}
	return *r.user, nil
}

func (r *memoryRepository) CreateOrUpdate(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = &user
	return nil
}

func (r *memoryRepository) UpdateLoggedInStatus(_ context.Context, userUUID string, status LoggedInStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.user == nil || r.user.UUID != userUUID {
		return ErrNoUser
	}
	r.user.LoggedInStatus = status
	return nil
}
