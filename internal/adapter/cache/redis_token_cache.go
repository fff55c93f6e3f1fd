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

const accessTokenPrefix = "spotify:access:"

// RedisAccessTokenCache implements repository.AccessTokenCache with key expiry
// matching the token expiry.
type RedisAccessTokenCache struct {
	client redis.UniversalClient
	clock  clock.Clock
}

var _ repository.AccessTokenCache = (*RedisAccessTokenCache)(nil)

type accessTokenPayload struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewRedisAccessTokenCache constructs the cache.
func NewRedisAccessTokenCache(client redis.UniversalClient, clk clock.Clock) *RedisAccessTokenCache {
	if clk == nil {
		clk = clock.System{}
	}
	return &RedisAccessTokenCache{client: client, clock: clk}
}

// GetValidBySession returns the cached token when it is still valid at now.
func (c *RedisAccessTokenCache) GetValidBySession(ctx context.Context, sessionID string, now time.Time) (*domain.AccessTokenCacheEntry, error) {
	raw, err := c.client.Get(ctx, accessTokenPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load access token: %w", err)
	}
	var payload accessTokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	entry := domain.AccessTokenCacheEntry{
		SessionID:   sessionID,
		AccessToken: payload.AccessToken,
		ExpiresAt:   payload.ExpiresAt,
	}
	if !entry.Valid(now) {
		return nil, nil
	}
	return &entry, nil
}

// Upsert stores the token until it expires.
func (c *RedisAccessTokenCache) Upsert(ctx context.Context, entry domain.AccessTokenCacheEntry) error {
	payload, err := json.Marshal(accessTokenPayload{AccessToken: entry.AccessToken, ExpiresAt: entry.ExpiresAt})
	if err != nil {
		return fmt.Errorf("marshal access token: %w", err)
	}
	if err := c.client.Set(ctx, accessTokenPrefix+entry.SessionID, payload, ttlUntil(c.clock.Now(), entry.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	return nil
}

// DeleteBySession evicts the session's token.
func (c *RedisAccessTokenCache) DeleteBySession(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, accessTokenPrefix+sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}
