// Package auth runs the Spotify authorization code flow with PKCE and owns
// the lifetime of app sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/adapter/spotify"
	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
	"github.com/smallbiznis/spotify-session/internal/repository"
	"github.com/smallbiznis/spotify-session/internal/secret"
	"github.com/smallbiznis/spotify-session/internal/service/token"
)

const (
	defaultPKCETTL    = 10 * time.Minute
	defaultSessionTTL = 30 * 24 * time.Hour
	maxDeviceInfo     = 255
	logoutReason      = "logout"

	instrumentationName = "github.com/smallbiznis/spotify-session/internal/service/auth"
)

// OAuthService defines the session lifecycle behaviors.
type OAuthService interface {
	StartAuth(ctx context.Context, scopes []string) (*StartAuthOutput, error)
	HandleCallback(ctx context.Context, in CallbackInput) (string, error)
	Logout(ctx context.Context, sessionID string) error
	ValidateSession(ctx context.Context, sessionID string) (*domain.AppSession, error)
}

// StartAuthOutput returns the authorize redirect and the state bound to it.
type StartAuthOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackInput captures the provider redirect parameters.
type CallbackInput struct {
	Code       string
	State      string
	DeviceInfo string
}

type oauthService struct {
	stores   repository.Stores
	tx       repository.Transactor
	provider spotify.ProviderClient
	denylist *token.Denylist
	secrets  secret.Provider
	clock    clock.Clock
	ids      *snowflake.Node
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	sessions metric.Int64Counter
}

// NewOAuthService wires the OAuth service implementation.
func NewOAuthService(
	stores repository.Stores,
	tx repository.Transactor,
	provider spotify.ProviderClient,
	denylist *token.Denylist,
	secrets secret.Provider,
	clk clock.Clock,
	ids *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) OAuthService {
	if clk == nil {
		clk = clock.System{}
	}
	if secrets == nil {
		secrets = secret.NewProvider()
	}
	if cfg.PKCETTL <= 0 {
		cfg.PKCETTL = defaultPKCETTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	sessions, _ := otel.Meter(instrumentationName).Int64Counter(
		"spotify_session_sessions",
		metric.WithDescription("App sessions created and torn down"),
	)
	return &oauthService{
		stores:   stores,
		tx:       tx,
		provider: provider,
		denylist: denylist,
		secrets:  secrets,
		clock:    clk,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		sessions: sessions,
	}
}

func (s *oauthService) StartAuth(ctx context.Context, scopes []string) (*StartAuthOutput, error) {
	ctx, span := s.startSpan(ctx, "auth.StartAuth")
	defer span.End()

	cleaned := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", domainoauth.ErrValidation)
	}

	state, err := s.secrets.NewState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	pkce, err := s.secrets.NewPKCE()
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}

	authURL, err := s.provider.AuthorizeURL(domainoauth.AuthorizeRequest{
		Scopes:        cleaned,
		State:         state,
		CodeChallenge: pkce.Challenge,
	})
	if err != nil {
		return nil, fmt.Errorf("build authorize url: %w", err)
	}

	if err := s.stores.PKCE.Save(ctx, domain.PKCEEntry{
		State:         state,
		CodeVerifier:  pkce.Verifier,
		CodeChallenge: pkce.Challenge,
		ExpiresAt:     s.clock.Now().Add(s.cfg.PKCETTL),
	}); err != nil {
		return nil, fmt.Errorf("persist pkce entry: %w", err)
	}

	return &StartAuthOutput{AuthorizationURL: authURL, State: state}, nil
}

func (s *oauthService) HandleCallback(ctx context.Context, in CallbackInput) (deeplink string, err error) {
	ctx, span := s.startSpan(ctx, "auth.HandleCallback")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "callback failed")
		}
		span.End()
	}()

	code := strings.TrimSpace(in.Code)
	state := strings.TrimSpace(in.State)
	if code == "" || state == "" {
		return "", fmt.Errorf("%w: code and state are required", domainoauth.ErrValidation)
	}

	entry, err := s.stores.PKCE.GetByState(ctx, state)
	if err != nil {
		return "", fmt.Errorf("load pkce entry: %w", err)
	}
	if entry == nil {
		return "", domainoauth.ErrInvalidState
	}
	if entry.Expired(s.clock.Now()) {
		if err := s.stores.PKCE.Delete(ctx, state); err != nil {
			return "", fmt.Errorf("delete expired pkce entry: %w", err)
		}
		return "", fmt.Errorf("%w: expired", domainoauth.ErrInvalidState)
	}

	tokens, profile, err := s.exchange(ctx, code, entry.CodeVerifier)
	if err != nil {
		s.deletePKCE(ctx, state)
		return "", err
	}

	sessionID, err := s.persistSession(ctx, state, strings.TrimSpace(in.DeviceInfo), tokens, profile)
	if err != nil {
		// The rollback restored the entry; the code is already spent.
		s.deletePKCE(ctx, state)
		return "", err
	}

	deeplink, err = buildDeepLink(s.cfg.DeepLinkBase, sessionID)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("session.ref", secret.Fingerprint(sessionID)))
	s.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "created")))
	s.audit("session.created", "session_ref", secret.Fingerprint(sessionID), "provider_user_id", profile.ID)
	return deeplink, nil
}

// exchange redeems the code and resolves the provider user. Every failure is
// a token-exchange-class error.
func (s *oauthService) exchange(ctx context.Context, code, verifier string) (*domainoauth.TokenResponse, *domainoauth.UserProfile, error) {
	tokens, err := s.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		s.logProviderFailure("code exchange failed", err)
		return nil, nil, fmt.Errorf("exchange code: %w", err)
	}
	switch {
	case strings.TrimSpace(tokens.AccessToken) == "":
		return nil, nil, &domainoauth.ProviderError{Op: "token exchange", Reason: domainoauth.ReasonMalformed, Detail: "access_token missing"}
	case strings.TrimSpace(tokens.RefreshToken) == "":
		return nil, nil, &domainoauth.ProviderError{Op: "token exchange", Reason: domainoauth.ReasonMalformed, Detail: "refresh_token missing"}
	}

	profile, err := s.provider.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		s.logProviderFailure("profile fetch failed", err)
		return nil, nil, fmt.Errorf("fetch profile: %w", err)
	}
	if strings.TrimSpace(profile.ID) == "" {
		return nil, nil, &domainoauth.ProviderError{Op: "profile fetch", Reason: domainoauth.ReasonMalformed, Detail: "profile id missing"}
	}
	return tokens, profile, nil
}

// persistSession stores the token set, creates the session, binds them,
// seeds the access token cache and consumes the PKCE entry in one unit of work.
func (s *oauthService) persistSession(ctx context.Context, state, deviceInfo string, tokens *domainoauth.TokenResponse, profile *domainoauth.UserProfile) (string, error) {
	sessionID, err := s.secrets.NewSessionID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	deviceInfo = truncateUTF8(deviceInfo, maxDeviceInfo)

	now := s.clock.Now()
	accessExpiresAt := token.AccessExpiry(now, tokens.ExpiresIn, s.cfg.AccessTokenSkew)

	err = s.tx.WithinTx(ctx, func(tx repository.Stores) error {
		if _, err := tx.TokenSets.SaveByState(ctx, state, domain.TokenSet{
			ID:              s.ids.Generate().Int64(),
			Provider:        domain.ProviderSpotify,
			ProviderUserID:  profile.ID,
			RefreshToken:    tokens.RefreshToken,
			Scope:           tokens.Scope,
			AccessExpiresAt: accessExpiresAt,
			UpdatedAt:       now,
		}); err != nil {
			return err
		}
		if err := tx.Sessions.Insert(ctx, domain.AppSession{
			ID:         sessionID,
			DeviceInfo: deviceInfo,
			CreatedAt:  now,
			LastSeenAt: now,
			ExpiresAt:  now.Add(s.cfg.SessionTTL),
		}); err != nil {
			return err
		}
		if err := tx.TokenSets.AttachToSession(ctx, state, sessionID); err != nil {
			return err
		}
		if err := tx.AccessTokens.Upsert(ctx, domain.AccessTokenCacheEntry{
			SessionID:   sessionID,
			AccessToken: tokens.AccessToken,
			ExpiresAt:   accessExpiresAt,
		}); err != nil {
			return err
		}
		return tx.PKCE.Delete(ctx, state)
	})
	if err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	return sessionID, nil
}

func (s *oauthService) Logout(ctx context.Context, sessionID string) error {
	ctx, span := s.startSpan(ctx, "auth.Logout")
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", domainoauth.ErrValidation)
	}

	ts, err := s.stores.TokenSets.GetBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load token set: %w", err)
	}

	var providerUserID string
	if ts != nil {
		providerUserID = ts.ProviderUserID
		// Revocation lands before the purge so a failed purge never leaves a usable refresh token.
		if ts.RefreshToken != "" {
			if err := s.denylist.Deny(ctx, secret.HashToken(ts.RefreshToken), logoutReason, time.Time{}); err != nil {
				return err
			}
		}
	}

	err = s.tx.WithinTx(ctx, func(tx repository.Stores) error {
		if err := tx.AccessTokens.DeleteBySession(ctx, sessionID); err != nil {
			return err
		}
		if err := tx.Selections.DeleteBySession(ctx, sessionID); err != nil {
			return err
		}
		if providerUserID != "" {
			if err := tx.PlaylistCache.DeleteByProviderUser(ctx, providerUserID); err != nil {
				return err
			}
			if err := tx.Profiles.DeleteByProviderUser(ctx, providerUserID); err != nil {
				return err
			}
		}
		if err := tx.PlaylistCache.DeleteLinksBySession(ctx, sessionID); err != nil {
			return err
		}
		if err := tx.TokenSets.DeleteBySession(ctx, sessionID); err != nil {
			return err
		}
		return tx.Sessions.Delete(ctx, sessionID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
		return fmt.Errorf("teardown session: %w", err)
	}

	s.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "logout")))
	s.audit("session.logout", "session_ref", secret.Fingerprint(sessionID), "had_token_set", ts != nil, "provider_user_id", providerUserID)
	return nil
}

func (s *oauthService) ValidateSession(ctx context.Context, sessionID string) (*domain.AppSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domainoauth.ErrSessionNotFound
	}
	session, err := s.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := s.clock.Now()
	if session == nil || session.Expired(now) {
		return nil, domainoauth.ErrSessionNotFound
	}
	if err := s.stores.Sessions.Touch(ctx, sessionID, now); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	session.LastSeenAt = now
	return session, nil
}

func (s *oauthService) deletePKCE(ctx context.Context, state string) {
	if err := s.stores.PKCE.Delete(ctx, state); err != nil {
		s.log().Warn("failed to delete pkce entry", zap.Error(err))
	}
}

func (s *oauthService) logProviderFailure(msg string, err error) {
	var perr *domainoauth.ProviderError
	if errors.As(err, &perr) {
		s.log().Warn(msg,
			zap.String("op", perr.Op),
			zap.Int("status", perr.StatusCode),
			zap.String("reason", perr.Reason),
			zap.String("code", perr.Code),
		)
		return
	}
	s.log().Warn(msg, zap.Error(err))
}

// buildDeepLink appends sid to base, keeping any query it already has.
func buildDeepLink(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("invalid deep link base %q", base)
	}
	q := u.Query()
	q.Set("sid", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *oauthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *oauthService) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", s.clock.Now()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.log().Info("audit", fields...)
}

func (s *oauthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
