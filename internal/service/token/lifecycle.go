// Package token keeps provider access tokens fresh and tracks revoked refresh tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/spotify-session/internal/adapter/spotify"
	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
	"github.com/smallbiznis/spotify-session/internal/repository"
	"github.com/smallbiznis/spotify-session/internal/secret"
)

const (
	defaultSkew           = 60 * time.Second
	defaultRefreshTimeout = 15 * time.Second

	instrumentationName = "github.com/smallbiznis/spotify-session/internal/service/token"
)

// Refresh outcomes reported on spotify_session_token_refreshes.
const (
	outcomeRotated       = "rotated"
	outcomeRenewed       = "renewed"
	outcomeDenied        = "denied"
	outcomeProviderError = "provider_error"
	outcomeStoreError    = "store_error"
)

// AccessExpiry computes when a freshly issued token should be treated as
// expired: expiresIn minus skew, or the full lifetime when it is not longer than skew.
func AccessExpiry(now time.Time, expiresIn int64, skew time.Duration) time.Time {
	if expiresIn <= 0 {
		expiresIn = domainoauth.DefaultExpiresIn
	}
	if expiresIn > domainoauth.MaxExpiresIn {
		expiresIn = domainoauth.MaxExpiresIn
	}
	lifetime := time.Duration(expiresIn) * time.Second
	if lifetime > skew {
		return now.Add(lifetime - skew)
	}
	return now.Add(lifetime)
}

// Manager hands out valid access tokens for a session, refreshing on demand.
type Manager struct {
	tokenSets      repository.TokenSetStore
	cache          repository.AccessTokenCache
	denylist       *Denylist
	provider       spotify.ProviderClient
	clock          clock.Clock
	skew           time.Duration
	refreshTimeout time.Duration
	flights        singleflight.Group
	logger         *zap.Logger
	tracer         trace.Tracer
	lookups        metric.Int64Counter
	refreshes      metric.Int64Counter
}

// Option customizes a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider records token metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *managerOptions) {
		o.meterProvider = mp
	}
}

// NewManager wires the access token lifecycle manager.
func NewManager(
	stores repository.Stores,
	denylist *Denylist,
	provider spotify.ProviderClient,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	options := managerOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&options)
	}
	meter := options.meterProvider.Meter(instrumentationName)
	lookups, _ := meter.Int64Counter(
		"spotify_session_access_token_lookups",
		metric.WithDescription("Access token lookups by cache outcome"),
	)
	refreshes, _ := meter.Int64Counter(
		"spotify_session_token_refreshes",
		metric.WithDescription("Refresh token redemptions by outcome"),
	)

	skew := cfg.AccessTokenSkew
	if skew <= 0 {
		skew = defaultSkew
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		tokenSets:      stores.TokenSets,
		cache:          stores.AccessTokens,
		denylist:       denylist,
		provider:       provider,
		clock:          clk,
		skew:           skew,
		refreshTimeout: timeout,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		lookups:        lookups,
		refreshes:      refreshes,
	}
}

// Skew is the safety margin subtracted from provider token lifetimes.
func (m *Manager) Skew() time.Duration {
	return m.skew
}

// GetAccessToken returns a bearer token for the session. A cached, unexpired
// token is returned without touching the network; otherwise the refresh token
// is redeemed once, even when many callers miss the cache at the same time.
func (m *Manager) GetAccessToken(ctx context.Context, sessionID string) (string, error) {
	ctx, span := m.startSpan(ctx, "token.GetAccessToken")
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("%w: session id required", domainoauth.ErrValidation)
	}

	ts, err := m.tokenSets.GetBySession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load token set: %w", err)
	}
	if ts == nil {
		return "", domainoauth.ErrMissingTokenSet
	}

	cached, err := m.cache.GetValidBySession(ctx, sessionID, m.clock.Now())
	if err != nil {
		return "", fmt.Errorf("load cached access token: %w", err)
	}
	if cached != nil {
		span.SetAttributes(attribute.Bool("token.cache_hit", true))
		m.count(ctx, m.lookups, attribute.Bool("cache_hit", true))
		return cached.AccessToken, nil
	}
	span.SetAttributes(attribute.Bool("token.cache_hit", false))
	m.count(ctx, m.lookups, attribute.Bool("cache_hit", false))

	// The flight outlives any single caller so one cancelled request does not
	// fail everyone waiting on the same refresh.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(sessionID, func() (any, error) {
		rctx, cancel := context.WithTimeout(flightCtx, m.refreshTimeout)
		defer cancel()
		return m.refresh(rctx, sessionID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "refresh failed")
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, sessionID string) (string, error) {
	ctx, span := m.startSpan(ctx, "token.refresh")
	defer span.End()

	// Re-read inside the flight: a previous flight may already have rotated
	// the refresh token and filled the cache.
	ts, err := m.tokenSets.GetBySession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load token set: %w", err)
	}
	if ts == nil {
		return "", domainoauth.ErrMissingTokenSet
	}
	cached, err := m.cache.GetValidBySession(ctx, sessionID, m.clock.Now())
	if err != nil {
		return "", fmt.Errorf("load cached access token: %w", err)
	}
	if cached != nil {
		return cached.AccessToken, nil
	}

	if m.denylist != nil {
		denied, err := m.denylist.IsDenied(ctx, secret.HashToken(ts.RefreshToken))
		if err != nil {
			return "", err
		}
		if denied {
			m.count(ctx, m.refreshes, attribute.String("outcome", outcomeDenied))
			m.audit("token.refresh.denied", "session_ref", secret.Fingerprint(sessionID))
			return "", fmt.Errorf("%w: refresh token revoked", domainoauth.ErrUnauthorized)
		}
	}

	resp, err := m.provider.Refresh(ctx, ts.RefreshToken)
	if err != nil {
		m.count(ctx, m.refreshes, attribute.String("outcome", outcomeProviderError))
		m.logRefreshFailure(sessionID, err)
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		err := &domainoauth.ProviderError{Op: "token refresh", Reason: domainoauth.ReasonMalformed, Detail: "access_token missing"}
		m.count(ctx, m.refreshes, attribute.String("outcome", outcomeProviderError))
		m.logRefreshFailure(sessionID, err)
		return "", err
	}

	now := m.clock.Now()
	expiresAt := AccessExpiry(now, resp.ExpiresIn, m.skew)
	rotated := resp.RefreshToken != "" && resp.RefreshToken != ts.RefreshToken

	// Persist the rotated refresh token before caching: losing it would strand the session.
	if err := m.tokenSets.UpdateAfterRefresh(ctx, repository.RefreshUpdate{
		SessionID:       sessionID,
		RefreshToken:    resp.RefreshToken,
		Scope:           resp.Scope,
		AccessExpiresAt: expiresAt,
		UpdatedAt:       now,
	}); err != nil {
		m.count(ctx, m.refreshes, attribute.String("outcome", outcomeStoreError))
		return "", fmt.Errorf("update token set: %w", err)
	}
	if err := m.cache.Upsert(ctx, domain.AccessTokenCacheEntry{
		SessionID:   sessionID,
		AccessToken: resp.AccessToken,
		ExpiresAt:   expiresAt,
	}); err != nil {
		m.count(ctx, m.refreshes, attribute.String("outcome", outcomeStoreError))
		return "", fmt.Errorf("cache access token: %w", err)
	}

	outcome := outcomeRenewed
	if rotated {
		outcome = outcomeRotated
	}
	m.count(ctx, m.refreshes, attribute.String("outcome", outcome))
	m.audit("token.refresh", "session_ref", secret.Fingerprint(sessionID), "rotated", rotated)
	return resp.AccessToken, nil
}

func (m *Manager) logRefreshFailure(sessionID string, err error) {
	fields := []zap.Field{zap.String("session_ref", secret.Fingerprint(sessionID))}
	var perr *domainoauth.ProviderError
	if errors.As(err, &perr) {
		fields = append(fields, zap.Int("status", perr.StatusCode), zap.String("reason", perr.Reason), zap.String("code", perr.Code))
	} else {
		fields = append(fields, zap.Error(err))
	}
	m.log().Warn("access token refresh failed", fields...)
}

func (m *Manager) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name)
}

func (m *Manager) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", m.clock.Now()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	m.log().Info("audit", fields...)
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}
