// Package playlist serves the user's Spotify playlists and profile through
// the session's access token, with short-lived caches keyed by provider user.
package playlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/adapter/spotify"
	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
	"github.com/smallbiznis/spotify-session/internal/repository"
	"github.com/smallbiznis/spotify-session/internal/secret"
)

const (
	DefaultLimit = 20
	MaxLimit     = 50
	// MaxSelection bounds how many playlists one session can pick.
	MaxSelection = 100

	defaultPlaylistTTL = 5 * time.Minute
	defaultProfileTTL  = time.Hour
)

// TokenSource yields a valid access token for a session.
type TokenSource interface {
	GetAccessToken(ctx context.Context, sessionID string) (string, error)
}

// Service implements playlist browsing and selection.
type Service struct {
	stores      repository.Stores
	tokens      TokenSource
	provider    spotify.ProviderClient
	clock       clock.Clock
	playlistTTL time.Duration
	profileTTL  time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewService wires the playlist service.
func NewService(stores repository.Stores, tokens TokenSource, provider spotify.ProviderClient, clk clock.Clock, cfg config.Config, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	playlistTTL := cfg.PlaylistCacheTTL
	if playlistTTL <= 0 {
		playlistTTL = defaultPlaylistTTL
	}
	profileTTL := cfg.ProfileCacheTTL
	if profileTTL <= 0 {
		profileTTL = defaultProfileTTL
	}
	return &Service{
		stores:      stores,
		tokens:      tokens,
		provider:    provider,
		clock:       clk,
		playlistTTL: playlistTTL,
		profileTTL:  profileTTL,
		logger:      logger,
		tracer:      otel.Tracer("github.com/smallbiznis/spotify-session/internal/service/playlist"),
	}
}

// ListPlaylists returns one page of the session user's playlists. A zero limit means DefaultLimit.
func (s *Service) ListPlaylists(ctx context.Context, sessionID string, limit, offset int) (*domain.PlaylistPage, error) {
	ctx, span := s.startSpan(ctx, "playlist.ListPlaylists")
	defer span.End()

	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", domainoauth.ErrValidation, MaxLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domainoauth.ErrValidation)
	}

	ts, err := s.tokenSet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := domain.PlaylistCacheKey{ProviderUserID: ts.ProviderUserID, Limit: limit, Offset: offset}

	cached, err := s.stores.PlaylistCache.Get(ctx, key, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("load playlist cache: %w", err)
	}
	if cached != nil {
		span.SetAttributes(attribute.Bool("playlist.cache_hit", true))
		if err := s.stores.PlaylistCache.Link(ctx, sessionID, key); err != nil {
			return nil, fmt.Errorf("link playlist cache: %w", err)
		}
		page := cached.Page
		return &page, nil
	}
	span.SetAttributes(attribute.Bool("playlist.cache_hit", false))

	accessToken, err := s.tokens.GetAccessToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	page, err := s.provider.ListPlaylists(ctx, accessToken, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}

	if err := s.stores.PlaylistCache.Upsert(ctx, domain.PlaylistCacheEntry{
		Key:       key,
		Page:      *page,
		ExpiresAt: s.clock.Now().Add(s.playlistTTL),
	}); err != nil {
		return nil, fmt.Errorf("cache playlists: %w", err)
	}
	if err := s.stores.PlaylistCache.Link(ctx, sessionID, key); err != nil {
		return nil, fmt.Errorf("link playlist cache: %w", err)
	}
	return page, nil
}

// GetProfile returns the session user's profile, cached per provider user.
func (s *Service) GetProfile(ctx context.Context, sessionID string) (*domain.Profile, error) {
	ctx, span := s.startSpan(ctx, "playlist.GetProfile")
	defer span.End()

	ts, err := s.tokenSet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	cached, err := s.stores.Profiles.Get(ctx, ts.ProviderUserID, now)
	if err != nil {
		return nil, fmt.Errorf("load profile cache: %w", err)
	}
	if cached != nil {
		return cached, nil
	}

	accessToken, err := s.tokens.GetAccessToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	fetched, err := s.provider.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	profile := domain.Profile{
		ProviderUserID: fetched.ID,
		DisplayName:    fetched.DisplayName,
		Country:        fetched.Country,
		Product:        fetched.Product,
		ExpiresAt:      now.Add(s.profileTTL),
	}
	if profile.ProviderUserID != ts.ProviderUserID {
		s.log().Warn("profile id differs from token set",
			zap.String("session_ref", secret.Fingerprint(sessionID)),
			zap.String("expected", ts.ProviderUserID),
			zap.String("got", profile.ProviderUserID),
		)
		profile.ProviderUserID = ts.ProviderUserID
	}
	if err := s.stores.Profiles.Upsert(ctx, profile); err != nil {
		return nil, fmt.Errorf("cache profile: %w", err)
	}
	return &profile, nil
}

// SelectPlaylists replaces the session's selection. Blank and repeated ids are dropped.
func (s *Service) SelectPlaylists(ctx context.Context, sessionID string, playlistIDs []string) ([]domain.PlaylistSelection, error) {
	if _, err := s.tokenSet(ctx, sessionID); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(playlistIDs))
	ids := make([]string, 0, len(playlistIDs))
	for _, id := range playlistIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > MaxSelection {
		return nil, fmt.Errorf("%w: at most %d playlists can be selected", domainoauth.ErrValidation, MaxSelection)
	}

	if err := s.stores.Selections.Replace(ctx, sessionID, ids, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("replace playlist selection: %w", err)
	}
	return s.ListSelection(ctx, sessionID)
}

// ListSelection returns the session's selected playlists in selection order.
func (s *Service) ListSelection(ctx context.Context, sessionID string) ([]domain.PlaylistSelection, error) {
	selections, err := s.stores.Selections.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list playlist selection: %w", err)
	}
	if selections == nil {
		selections = []domain.PlaylistSelection{}
	}
	return selections, nil
}

func (s *Service) tokenSet(ctx context.Context, sessionID string) (*domain.TokenSet, error) {
	ts, err := s.stores.TokenSets.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load token set: %w", err)
	}
	if ts == nil {
		return nil, domainoauth.ErrMissingTokenSet
	}
	return ts, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
