package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"forgeauth/internal/clock"
	"forgeauth/pkg/logging"
)

// DefaultRedisStatePrefix namespaces state keys.
const DefaultRedisStatePrefix = "forgeauth:oauth_state:"

// RedisStateStore keeps states in Redis with a native TTL, so several
// processes can share one authorization flow.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string

	clock  clock.Clock
	logger *logging.Logger
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore creates a store on client. An empty prefix selects
// DefaultRedisStatePrefix.
func NewRedisStateStore(client redis.UniversalClient, prefix string, clk clock.Clock, logger *logging.Logger) *RedisStateStore {
	if prefix == "" {
		prefix = DefaultRedisStatePrefix
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisStateStore{client: client, prefix: prefix, clock: clk, logger: logger}
}

func (s *RedisStateStore) key(state string) string {
	return s.prefix + state
}

// Save uses SET NX with the remaining lifetime as expiry.
func (s *RedisStateStore) Save(ctx context.Context, st *AuthorizationState) error {
	ttl := stateTTLRemaining(st, s.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(st.State), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	if !ok {
		return ErrStateExists
	}
	return nil
}

// Consume uses GETDEL, so the read and the delete are one server-side step.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*AuthorizationState, error) {
	data, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming state: %w", err)
	}

	var st AuthorizationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if st.IsExpired(s.clock.Now()) {
		s.logger.Warn("OAuth", "State expired: state=%s", logging.TruncateSessionID(state))
		return nil, ErrStateNotFound
	}
	return &st, nil
}

// SweepExpired is a no-op: Redis expires keys itself.
func (s *RedisStateStore) SweepExpired(context.Context) (int, error) {
	return 0, nil
}
