package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
	"github.com/smallbiznis/spotify-session/internal/repository/memstore"
	"github.com/smallbiznis/spotify-session/internal/secret"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type lifecycleHarness struct {
	manager  *Manager
	denylist *Denylist
	store    *memstore.Store
	provider *fakeProvider
	clock    *clock.Fixed
}

func newLifecycleHarness(t *testing.T) *lifecycleHarness {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFixed(epoch)
	cfg := config.Config{AccessTokenSkew: time.Minute, RefreshTimeout: time.Second, DenylistTTL: DefaultDenylistTTL}
	provider := &fakeProvider{}
	denylist := NewDenylist(store.Stores().Denylist, clk, cfg, zap.NewNop())
	manager := NewManager(store.Stores(), denylist, provider, clk, cfg, zap.NewNop())
	return &lifecycleHarness{manager: manager, denylist: denylist, store: store, provider: provider, clock: clk}
}

// seedSession binds a token set holding refreshToken to sessionID.
func (h *lifecycleHarness) seedSession(t *testing.T, sessionID, refreshToken string) {
	t.Helper()
	ctx := context.Background()
	stores := h.store.Stores()
	_, err := stores.TokenSets.SaveByState(ctx, "state-"+sessionID, domain.TokenSet{
		ID:              int64(len(sessionID)) + time.Now().UnixNano(),
		Provider:        domain.ProviderSpotify,
		ProviderUserID:  "user-" + sessionID,
		RefreshToken:    refreshToken,
		Scope:           "user-read-private",
		AccessExpiresAt: epoch,
		UpdatedAt:       epoch,
	})
	require.NoError(t, err)
	require.NoError(t, stores.Sessions.Insert(ctx, domain.AppSession{
		ID:        sessionID,
		CreatedAt: epoch,
		ExpiresAt: epoch.Add(30 * 24 * time.Hour),
	}))
	require.NoError(t, stores.TokenSets.AttachToSession(ctx, "state-"+sessionID, sessionID))
}

func TestAccessExpiry(t *testing.T) {
	require.Equal(t, epoch.Add(3540*time.Second), AccessExpiry(epoch, 3600, time.Minute))
	require.Equal(t, epoch.Add(30*time.Second), AccessExpiry(epoch, 30, time.Minute))
	require.Equal(t, epoch.Add(60*time.Second), AccessExpiry(epoch, 60, time.Minute))
	require.Equal(t, epoch.Add(3540*time.Second), AccessExpiry(epoch, 0, time.Minute))
	require.Equal(t, epoch.Add(3540*time.Second), AccessExpiry(epoch, -5, time.Minute))
}

func TestAccessExpiryClampsHugeLifetimes(t *testing.T) {
	want := epoch.Add(24*time.Hour - time.Minute)
	require.Equal(t, want, AccessExpiry(epoch, 10_000_000_000, time.Minute))
	require.Equal(t, want, AccessExpiry(epoch, 1<<62, time.Minute))
	require.True(t, AccessExpiry(epoch, 1<<62, time.Minute).After(epoch))
}

func TestGetAccessToken_CacheHitSkipsProvider(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()
	h.seedSession(t, "sid-1", "rt-1")
	require.NoError(t, h.store.Stores().AccessTokens.Upsert(ctx, domain.AccessTokenCacheEntry{
		SessionID:   "sid-1",
		AccessToken: "cached",
		ExpiresAt:   epoch.Add(time.Minute),
	}))

	token, err := h.manager.GetAccessToken(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "cached", token)
	require.Zero(t, h.provider.refreshCalls.Load())
}

func TestGetAccessToken_MissingTokenSet(t *testing.T) {
	h := newLifecycleHarness(t)

	_, err := h.manager.GetAccessToken(context.Background(), "unknown")
	require.ErrorIs(t, err, domainoauth.ErrMissingTokenSet)

	_, err = h.manager.GetAccessToken(context.Background(), " ")
	require.ErrorIs(t, err, domainoauth.ErrValidation)
}

func TestGetAccessToken_RefreshRotatesAndCaches(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()
	h.seedSession(t, "sid-1", "rt-old")
	h.provider.refreshResp = &domainoauth.TokenResponse{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 3600, Scope: "a b"}

	token, err := h.manager.GetAccessToken(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "at-new", token)
	require.Equal(t, []string{"rt-old"}, h.provider.refreshedWith())

	ts, err := h.store.Stores().TokenSets.GetBySession(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "rt-new", ts.RefreshToken)
	require.Equal(t, "a b", ts.Scope)
	require.Equal(t, epoch.Add(3540*time.Second), ts.AccessExpiresAt)
	require.Equal(t, epoch, ts.UpdatedAt)

	cached, err := h.store.Stores().AccessTokens.GetValidBySession(ctx, "sid-1", epoch)
	require.NoError(t, err)
	require.Equal(t, "at-new", cached.AccessToken)
	require.Equal(t, epoch.Add(3540*time.Second), cached.ExpiresAt)

	// Second call within the window is served from cache.
	token, err = h.manager.GetAccessToken(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "at-new", token)
	require.EqualValues(t, 1, h.provider.refreshCalls.Load())

	// Once expired, the rotated refresh token is used.
	h.clock.Advance(3540 * time.Second)
	h.provider.refreshResp = &domainoauth.TokenResponse{AccessToken: "at-3", ExpiresIn: 3600}
	token, err = h.manager.GetAccessToken(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "at-3", token)
	require.Equal(t, []string{"rt-old", "rt-new"}, h.provider.refreshedWith())
}

func TestGetAccessToken_NoRotationKeepsRefreshTokenAndScope(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()
	h.seedSession(t, "sid-1", "rt-keep")
	h.provider.refreshResp = &domainoauth.TokenResponse{AccessToken: "at", ExpiresIn: 30}

	_, err := h.manager.GetAccessToken(ctx, "sid-1")
	require.NoError(t, err)

	ts, err := h.store.Stores().TokenSets.GetBySession(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "rt-keep", ts.RefreshToken)
	require.Equal(t, "user-read-private", ts.Scope)
	require.Equal(t, epoch.Add(30*time.Second), ts.AccessExpiresAt)
}

func TestGetAccessToken_ProviderFailurePersistsNothing(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()
	h.seedSession(t, "sid-1", "rt-1")
	h.provider.refreshErr = domainoauth.NewStatusError("token refresh", 400, "invalid_grant", "Refresh token revoked")

	_, err := h.manager.GetAccessToken(ctx, "sid-1")
	require.ErrorIs(t, err, domainoauth.ErrTokenExchangeFailed)
	var perr *domainoauth.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, domainoauth.ReasonInvalidGrant, perr.Reason)

	require.Zero(t, h.store.Calls("TokenSets.UpdateAfterRefresh"))
	require.Zero(t, h.store.AccessTokenCount())
	ts, err := h.store.Stores().TokenSets.GetBySession(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "rt-1", ts.RefreshToken)
	require.Equal(t, epoch, ts.UpdatedAt)
}

func TestGetAccessToken_MissingAccessTokenInResponse(t *testing.T) {
	h := newLifecycleHarness(t)
	h.seedSession(t, "sid-1", "rt-1")
	h.provider.refreshResp = &domainoauth.TokenResponse{RefreshToken: "rt-2", ExpiresIn: 3600}

	_, err := h.manager.GetAccessToken(context.Background(), "sid-1")
	require.ErrorIs(t, err, domainoauth.ErrTokenExchangeFailed)
	require.Zero(t, h.store.Calls("TokenSets.UpdateAfterRefresh"))
}

func TestGetAccessToken_DeniedRefreshTokenNeverReachesProvider(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()
	h.seedSession(t, "sid-1", "rt-revoked")
	require.NoError(t, h.denylist.Deny(ctx, secret.HashToken("rt-revoked"), "logout", time.Time{}))

	_, err := h.manager.GetAccessToken(ctx, "sid-1")
	require.ErrorIs(t, err, domainoauth.ErrUnauthorized)
	require.Zero(t, h.provider.refreshCalls.Load())
}

func TestGetAccessToken_ConcurrentMissesRefreshOnce(t *testing.T) {
	h := newLifecycleHarness(t)
	h.seedSession(t, "sid-1", "rt-1")
	h.provider.refreshResp = &domainoauth.TokenResponse{AccessToken: "at-shared", RefreshToken: "rt-2", ExpiresIn: 3600}
	h.provider.gate = make(chan struct{})

	const callers = 8
	var (
		wg      sync.WaitGroup
		results = make([]string, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.manager.GetAccessToken(context.Background(), "sid-1")
		}(i)
	}
	// Let every caller reach the flight before the provider answers.
	require.Eventually(t, func() bool { return h.provider.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(h.provider.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "at-shared", results[i])
	}
	require.EqualValues(t, 1, h.provider.refreshCalls.Load())
}

func TestGetAccessToken_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	h := newLifecycleHarness(t)
	h.seedSession(t, "sid-1", "rt-1")
	h.provider.refreshResp = &domainoauth.TokenResponse{AccessToken: "at", RefreshToken: "rt-2", ExpiresIn: 3600}
	h.provider.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.manager.GetAccessToken(ctx, "sid-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.provider.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(h.provider.gate)
	require.Eventually(t, func() bool { return h.store.AccessTokenCount() == 1 }, time.Second, time.Millisecond)

	ts, err := h.store.Stores().TokenSets.GetBySession(context.Background(), "sid-1")
	require.NoError(t, err)
	require.Equal(t, "rt-2", ts.RefreshToken)
}

func TestGetAccessToken_StoreErrorPropagates(t *testing.T) {
	h := newLifecycleHarness(t)
	boom := errors.New("db down")
	h.store.FailOn("TokenSets.GetBySession", boom)

	_, err := h.manager.GetAccessToken(context.Background(), "sid-1")
	require.ErrorIs(t, err, boom)
}

// ---- fakes ----

type fakeProvider struct {
	mu           sync.Mutex
	refreshResp  *domainoauth.TokenResponse
	refreshErr   error
	refreshed    []string
	refreshCalls atomic.Int32
	gate         chan struct{}
}

func (f *fakeProvider) AuthorizeURL(domainoauth.AuthorizeRequest) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeProvider) ExchangeCode(context.Context, string, string) (*domainoauth.TokenResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, refreshToken)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	resp := *f.refreshResp
	return &resp, nil
}

func (f *fakeProvider) FetchProfile(context.Context, string) (*domainoauth.UserProfile, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) ListPlaylists(context.Context, string, int, int) (*domain.PlaylistPage, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) refreshedWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}
