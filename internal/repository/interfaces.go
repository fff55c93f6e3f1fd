package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/spotify-session/internal/domain"
)

// Lookups return (nil, nil) when the row does not exist so callers can tell
// "not found" apart from a store failure.

// PKCEStore persists authorization attempts between StartAuth and the callback.
type PKCEStore interface {
	GetByState(ctx context.Context, state string) (*domain.PKCEEntry, error)
	Save(ctx context.Context, entry domain.PKCEEntry) error
	Delete(ctx context.Context, state string) error
}

// TokenSetStore persists provider credentials.
type TokenSetStore interface {
	// SaveByState inserts an unbound token set keyed transiently by the PKCE state.
	SaveByState(ctx context.Context, state string, ts domain.TokenSet) (domain.TokenSet, error)
	// AttachToSession binds the token set saved under state to sessionID and clears the state key.
	AttachToSession(ctx context.Context, state, sessionID string) error
	GetBySession(ctx context.Context, sessionID string) (*domain.TokenSet, error)
	UpdateAfterRefresh(ctx context.Context, update RefreshUpdate) error
	DeleteBySession(ctx context.Context, sessionID string) error
}

// RefreshUpdate describes the mutation applied to a token set after a refresh.
// Empty RefreshToken or Scope keep the stored values.
type RefreshUpdate struct {
	SessionID       string
	RefreshToken    string
	Scope           string
	AccessExpiresAt time.Time
	UpdatedAt       time.Time
}

// AccessTokenCache caches bearer tokens per session.
type AccessTokenCache interface {
	GetValidBySession(ctx context.Context, sessionID string, now time.Time) (*domain.AccessTokenCacheEntry, error)
	Upsert(ctx context.Context, entry domain.AccessTokenCacheEntry) error
	DeleteBySession(ctx context.Context, sessionID string) error
}

// DenylistStore records revoked refresh token hashes.
type DenylistStore interface {
	Exists(ctx context.Context, refreshHash string, now time.Time) (bool, error)
	Upsert(ctx context.Context, entry domain.DenylistEntry) error
}

// SessionStore persists app sessions.
type SessionStore interface {
	Insert(ctx context.Context, session domain.AppSession) error
	Get(ctx context.Context, sessionID string) (*domain.AppSession, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
}

// PlaylistCacheStore caches playlist pages per provider user.
type PlaylistCacheStore interface {
	Get(ctx context.Context, key domain.PlaylistCacheKey, now time.Time) (*domain.PlaylistCacheEntry, error)
	Upsert(ctx context.Context, entry domain.PlaylistCacheEntry) error
	Link(ctx context.Context, sessionID string, key domain.PlaylistCacheKey) error
	DeleteByProviderUser(ctx context.Context, providerUserID string) error
	DeleteLinksBySession(ctx context.Context, sessionID string) error
}

// PlaylistSelectionStore persists the playlists a session picked.
type PlaylistSelectionStore interface {
	Replace(ctx context.Context, sessionID string, playlistIDs []string, at time.Time) error
	ListBySession(ctx context.Context, sessionID string) ([]domain.PlaylistSelection, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// ProfileCacheStore caches provider profiles.
type ProfileCacheStore interface {
	Get(ctx context.Context, providerUserID string, now time.Time) (*domain.Profile, error)
	Upsert(ctx context.Context, profile domain.Profile) error
	DeleteByProviderUser(ctx context.Context, providerUserID string) error
}

// Stores groups every store so a unit of work can run against one transaction.
type Stores struct {
	PKCE          PKCEStore
	TokenSets     TokenSetStore
	AccessTokens  AccessTokenCache
	Denylist      DenylistStore
	Sessions      SessionStore
	PlaylistCache PlaylistCacheStore
	Selections    PlaylistSelectionStore
	Profiles      ProfileCacheStore
}

// Transactor runs fn with stores bound to one transaction. It commits when fn
// returns nil and rolls back and returns the error otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Stores) error) error
}
