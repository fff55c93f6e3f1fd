package domain

import "time"

// ProviderSpotify is the only provider this deployment talks to.
const ProviderSpotify = "spotify"

// PKCEEntry is the state/verifier pair persisted between StartAuth and the callback.
type PKCEEntry struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
	ExpiresAt     time.Time
}

// Expired reports whether the entry is no longer redeemable at now.
func (e PKCEEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TokenSet holds the provider credentials bound to an app session.
type TokenSet struct {
	ID              int64
	Provider        string
	ProviderUserID  string
	RefreshToken    string
	Scope           string
	AccessExpiresAt time.Time
	UpdatedAt       time.Time
	SessionID       string
}

// AccessTokenCacheEntry is the short-lived bearer token cached per session.
type AccessTokenCacheEntry struct {
	SessionID   string
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the cached token can still be used at now.
func (e AccessTokenCacheEntry) Valid(now time.Time) bool {
	return e.AccessToken != "" && now.Before(e.ExpiresAt)
}

// AppSession is the application-level identity handed to the client.
type AppSession struct {
	ID         string
	DeviceInfo string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session has passed its expiry at now.
func (s AppSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// DenylistEntry marks a refresh token hash as revoked until ExpiresAt.
type DenylistEntry struct {
	RefreshHash string
	Reason      string
	AddedAt     time.Time
	ExpiresAt   time.Time
}
