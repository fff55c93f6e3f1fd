package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/domain"
	"github.com/smallbiznis/spotify-session/internal/repository"
)

const pkcePrefix = "spotify:pkce:"

// minTTL keeps already-expired entries around briefly so the callback can
// still report them as expired and delete them.
const minTTL = time.Second

// RedisPKCEStore implements repository.PKCEStore backed by Redis.
type RedisPKCEStore struct {
	client redis.UniversalClient
	clock  clock.Clock
}

var _ repository.PKCEStore = (*RedisPKCEStore)(nil)

type pkcePayload struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NewRedisPKCEStore constructs a Redis-backed PKCE store.
func NewRedisPKCEStore(client redis.UniversalClient, clk clock.Clock) *RedisPKCEStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &RedisPKCEStore{client: client, clock: clk}
}

// Save stores the entry until its expiry.
func (s *RedisPKCEStore) Save(ctx context.Context, entry domain.PKCEEntry) error {
	payload, err := json.Marshal(pkcePayload{
		State:         entry.State,
		CodeVerifier:  entry.CodeVerifier,
		CodeChallenge: entry.CodeChallenge,
		ExpiresAt:     entry.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal pkce entry: %w", err)
	}
	// SETNX: a state value is never reused.
	ok, err := s.client.SetNX(ctx, pkcePrefix+entry.State, payload, ttlUntil(s.clock.Now(), entry.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("persist pkce entry: %w", err)
	}
	if !ok {
		return fmt.Errorf("persist pkce entry: state already issued")
	}
	return nil
}

// GetByState loads the entry, returning nil when absent.
func (s *RedisPKCEStore) GetByState(ctx context.Context, state string) (*domain.PKCEEntry, error) {
	raw, err := s.client.Get(ctx, pkcePrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pkce entry: %w", err)
	}
	var payload pkcePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode pkce entry: %w", err)
	}
	return &domain.PKCEEntry{
		State:         payload.State,
		CodeVerifier:  payload.CodeVerifier,
		CodeChallenge: payload.CodeChallenge,
		ExpiresAt:     payload.ExpiresAt,
	}, nil
}

// Delete removes the entry.
func (s *RedisPKCEStore) Delete(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, pkcePrefix+state).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete pkce entry: %w", err)
	}
	return nil
}

func ttlUntil(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}
