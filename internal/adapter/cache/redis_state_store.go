package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/repository"
)

const stateKeyPrefix = "login_state:"

// RedisStateStore implements StateStore backed by Redis. GETDEL makes the
// consume step atomic so a state value survives exactly one exchange.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded login state with TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, state oauth.LoginState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+state.State, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ConsumeState removes and returns the state in one round trip.
func (s *RedisStateStore) ConsumeState(ctx context.Context, state string) (*oauth.LoginState, bool, error) {
	bytes, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("consume state: %w", err)
	}
	var stored oauth.LoginState
	if err := json.Unmarshal(bytes, &stored); err != nil {
		return nil, false, fmt.Errorf("decode state: %w", err)
	}
	return &stored, true, nil
}
