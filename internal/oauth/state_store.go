package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"forgeauth/internal/clock"
	"forgeauth/pkg/logging"
)

var (
	// ErrStateNotFound is returned when a state is unknown, expired or
	// already consumed.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrStateExists is returned when saving a state value that is in use.
	ErrStateExists = errors.New("authorization state already exists")
)

// StateStore holds single-use authorization states.
type StateStore interface {
	// Save stores s unless a state with the same value exists.
	Save(ctx context.Context, s *AuthorizationState) error

	// Consume returns and deletes the state in one atomic step. Expired
	// states are deleted and reported as ErrStateNotFound.
	Consume(ctx context.Context, state string) (*AuthorizationState, error)

	// SweepExpired deletes expired states and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}

// MemoryStateStore keeps states in a mutex-guarded map.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*AuthorizationState

	clock  clock.Clock
	logger *logging.Logger
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore(clk clock.Clock, logger *logging.Logger) *MemoryStateStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStateStore{
		states: make(map[string]*AuthorizationState),
		clock:  clk,
		logger: logger,
	}
}

func (ss *MemoryStateStore) Save(_ context.Context, s *AuthorizationState) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if existing, ok := ss.states[s.State]; ok && !existing.IsExpired(ss.clock.Now()) {
		return ErrStateExists
	}
	c := *s
	ss.states[s.State] = &c
	return nil
}

func (ss *MemoryStateStore) Consume(_ context.Context, state string) (*AuthorizationState, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	stored, ok := ss.states[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(ss.states, state)

	if stored.IsExpired(ss.clock.Now()) {
		ss.logger.Warn("OAuth", "State expired: state=%s age=%v",
			logging.TruncateSessionID(state), ss.clock.Now().Sub(stored.CreatedAt))
		return nil, ErrStateNotFound
	}
	return stored, nil
}

func (ss *MemoryStateStore) SweepExpired(_ context.Context) (int, error) {
	now := ss.clock.Now()

	ss.mu.Lock()
	defer ss.mu.Unlock()

	count := 0
	for key, s := range ss.states {
		if s.IsExpired(now) {
			delete(ss.states, key)
			count++
		}
	}
	if count > 0 {
		ss.logger.Debug("OAuth", "Cleaned up %d expired states", count)
	}
	return count, nil
}

// Len returns the number of stored states, expired ones included.
func (ss *MemoryStateStore) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.states)
}

// stateTTLRemaining returns how long s should be kept by TTL-capable stores.
func stateTTLRemaining(s *AuthorizationState, now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}
