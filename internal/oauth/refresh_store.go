package oauth

import (
	"context"
	"errors"
	"sync"

	"forgeauth/internal/clock"
	"forgeauth/pkg/logging"
)

// ErrRefreshTokenNotFound is returned for unknown refresh token IDs.
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// RefreshTokenStore holds refresh token records keyed by ID.
type RefreshTokenStore interface {
	Put(ctx context.Context, t *RefreshToken) error
	Get(ctx context.Context, id string) (*RefreshToken, error)

	// Update applies mutate atomically with the read it is based on.
	Update(ctx context.Context, id string, mutate func(*RefreshToken) error) (*RefreshToken, error)

	SweepExpired(ctx context.Context) (int, error)
}

// MemoryRefreshTokenStore keeps refresh tokens in a mutex-guarded map.
type MemoryRefreshTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*RefreshToken

	clock  clock.Clock
	logger *logging.Logger
}

var _ RefreshTokenStore = (*MemoryRefreshTokenStore)(nil)

// NewMemoryRefreshTokenStore creates an empty store.
func NewMemoryRefreshTokenStore(clk clock.Clock, logger *logging.Logger) *MemoryRefreshTokenStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryRefreshTokenStore{
		tokens: make(map[string]*RefreshToken),
		clock:  clk,
		logger: logger,
	}
}

func (s *MemoryRefreshTokenStore) Put(_ context.Context, t *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t.Clone()
	return nil
}

func (s *MemoryRefreshTokenStore) Get(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryRefreshTokenStore) Update(_ context.Context, id string, mutate func(*RefreshToken) error) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	updated := t.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	s.tokens[id] = updated
	return updated.Clone(), nil
}

// SweepExpired removes records past their expiry. Revoked and invalid
// records are kept until they expire so later use reports the right code.
func (s *MemoryRefreshTokenStore) SweepExpired(_ context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, t := range s.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(s.tokens, id)
			count++
		}
	}
	if count > 0 {
		s.logger.Debug("OAuth", "Cleaned up %d expired refresh tokens", count)
	}
	return count, nil
}

// Count returns the number of stored records.
func (s *MemoryRefreshTokenStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
