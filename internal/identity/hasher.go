package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const minPINLength = 4

// ErrPINTooShort is returned when a PIN has fewer than four digits.
var ErrPINTooShort = errors.New("PIN must be at least 4 digits")

// BcryptHasher produces and checks PIN digests.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher builds a hasher; a cost outside bcrypt's range falls back to the default.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the bcrypt digest of pin.
func (h *BcryptHasher) Hash(pin string) (string, error) {
	if len(pin) < minPINLength {
		return "", ErrPINTooShort
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(pin), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(digest), nil
}

// Matches reports whether pin produces digest. A malformed digest is an error,
// a wrong PIN is not.
func (h *BcryptHasher) Matches(digest, pin string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare pin: %w", err)
	}
}
