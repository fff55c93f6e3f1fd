package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
	"github.com/smallbiznis/spotify-session/internal/repository"
)

// DefaultDenylistTTL is how long a revoked refresh token hash stays denied.
const DefaultDenylistTTL = 90 * 24 * time.Hour

// Denylist records revoked refresh tokens by hash.
type Denylist struct {
	store  repository.DenylistStore
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// NewDenylist wires the denylist manager.
func NewDenylist(store repository.DenylistStore, clk clock.Clock, cfg config.Config, logger *zap.Logger) *Denylist {
	ttl := cfg.DenylistTTL
	if ttl <= 0 {
		ttl = DefaultDenylistTTL
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Denylist{store: store, clock: clk, ttl: ttl, logger: logger}
}

// Deny upserts the hash. A zero expiresAt means now plus the configured TTL.
func (d *Denylist) Deny(ctx context.Context, refreshHash, reason string, expiresAt time.Time) error {
	refreshHash = strings.TrimSpace(refreshHash)
	if refreshHash == "" {
		return fmt.Errorf("%w: refresh hash required", domainoauth.ErrValidation)
	}
	now := d.clock.Now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(d.ttl)
	}
	if err := d.store.Upsert(ctx, domain.DenylistEntry{
		RefreshHash: refreshHash,
		Reason:      reason,
		AddedAt:     now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		return fmt.Errorf("deny refresh token: %w", err)
	}
	d.log().Debug("refresh token denied", zap.String("reason", reason), zap.Time("expires_at", expiresAt))
	return nil
}

// IsDenied reports whether the hash has an entry that has not yet expired.
func (d *Denylist) IsDenied(ctx context.Context, refreshHash string) (bool, error) {
	denied, err := d.store.Exists(ctx, refreshHash, d.clock.Now())
	if err != nil {
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return denied, nil
}

func (d *Denylist) log() *zap.Logger {
	if d != nil && d.logger != nil {
		return d.logger
	}
	return zap.L()
}
