package bruteforce

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a State as allowing or blocking PIN entry.
type Kind int

const (
	KindAllowed Kind = iota
	KindBlocked
)

func (k Kind) String() string {
	switch k {
	case KindAllowed:
		return "allowed"
	case KindBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the derived protection state. Allowed states carry the remaining
// attempts; Blocked states carry the instant the block lifts.
type State struct {
	Kind              Kind
	AttemptsMade      int
	AttemptsRemaining int
	BlockedTill       time.Time
}

// Allowed builds a state that permits PIN entry.
func Allowed(attemptsMade, attemptsRemaining int) State {
	return State{Kind: KindAllowed, AttemptsMade: attemptsMade, AttemptsRemaining: attemptsRemaining}
}

// Blocked builds a state that rejects PIN entry until blockedTill.
func Blocked(attemptsMade int, blockedTill time.Time) State {
	return State{Kind: KindBlocked, AttemptsMade: attemptsMade, BlockedTill: blockedTill}
}

// IsBlocked reports whether PIN entry is currently rejected.
func (s State) IsBlocked() bool {
	return s.Kind == KindBlocked
}

// Equal compares states by value; instants are compared with time.Time.Equal.
func (s State) Equal(o State) bool {
	return s.Kind == o.Kind &&
		s.AttemptsMade == o.AttemptsMade &&
		s.AttemptsRemaining == o.AttemptsRemaining &&
		s.BlockedTill.Equal(o.BlockedTill)
}

func (s State) String() string {
	if s.IsBlocked() {
		return fmt.Sprintf("Blocked(attemptsMade=%d, blockedTill=%s)", s.AttemptsMade, s.BlockedTill.UTC().Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("Allowed(attemptsMade=%d, attemptsRemaining=%d)", s.AttemptsMade, s.AttemptsRemaining)
}

type stateJSON struct {
	Kind              string     `json:"kind"`
	AttemptsMade      int        `json:"attempts_made"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	BlockedTill       *time.Time `json:"blocked_till,omitempty"`
}

// MarshalJSON renders the state for the PIN entry screen.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		Kind:              s.Kind.String(),
		AttemptsMade:      s.AttemptsMade,
		AttemptsRemaining: s.AttemptsRemaining,
	}
	if s.IsBlocked() {
		till := s.BlockedTill.UTC()
		out.BlockedTill = &till
	}
	return json.Marshal(out)
}

// Counters is one correlated read of the persisted failed-attempt counter and
// block start. A zero BlockedAt means no block episode is in progress.
type Counters struct {
	FailedAttempts int
	BlockedAt      time.Time
}

// HasBlock reports whether a block start has been recorded.
func (c Counters) HasBlock() bool {
	return !c.BlockedAt.IsZero()
}

// Evaluate derives the protection state from a config and a counters snapshot.
// It does not look at the clock; expiry is handled by the Guard.
func Evaluate(cfg Config, c Counters) State {
	if !cfg.IsEnabled {
		return Allowed(min(1, c.FailedAttempts), 1)
	}
	if c.HasBlock() {
		return Blocked(c.FailedAttempts, c.BlockedAt.Add(cfg.BlockDuration))
	}
	return Allowed(c.FailedAttempts, max(0, cfg.LimitOfFailedAttempts-c.FailedAttempts))
}
