package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/spotify-session/internal/adapter/spotify"
	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
	"github.com/smallbiznis/spotify-session/internal/repository/memstore"
	"github.com/smallbiznis/spotify-session/internal/secret"
	"github.com/smallbiznis/spotify-session/internal/service/token"
)

var (
	epoch       = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessionIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

func TestOAuthService_StartAuth(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()

	out, err := h.service.StartAuth(ctx, []string{"playlist-read"})
	require.NoError(t, err)
	require.NotEmpty(t, out.State)

	entry, err := h.store.Stores().PKCE.GetByState(ctx, out.State)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, epoch.Add(10*time.Minute), entry.ExpiresAt)
	require.Equal(t, secret.Challenge(entry.CodeVerifier), entry.CodeChallenge)

	parsed, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, out.State, q.Get("state"))
	require.Equal(t, entry.CodeChallenge, q.Get("code_challenge"))
	require.Equal(t, "playlist-read", q.Get("scope"))
	require.Equal(t, "code", q.Get("response_type"))
}

func TestOAuthService_StartAuthIssuesFreshState(t *testing.T) {
	h := newOAuthTestHarness(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		out, err := h.service.StartAuth(context.Background(), []string{"user-read-private", " "})
		require.NoError(t, err)
		require.False(t, seen[out.State], "state reused")
		seen[out.State] = true
	}
	require.Equal(t, 50, h.store.PKCECount())
}

func TestOAuthService_StartAuthRequiresScopes(t *testing.T) {
	h := newOAuthTestHarness(t)

	for _, scopes := range [][]string{nil, {}, {"", "  "}} {
		_, err := h.service.StartAuth(context.Background(), scopes)
		require.ErrorIs(t, err, domainoauth.ErrValidation)
	}
	require.Zero(t, h.store.TotalCalls())
}

func TestOAuthService_HandleCallbackSuccess(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	state := h.issueState(t)

	link, err := h.service.HandleCallback(ctx, CallbackInput{Code: "auth-code", State: state, DeviceInfo: "Pixel 8"})
	require.NoError(t, err)

	parsed, err := url.Parse(link)
	require.NoError(t, err)
	require.Equal(t, "spotifysession", parsed.Scheme)
	require.Equal(t, "v1", parsed.Query().Get("app"), "existing query parameters are kept")
	sid := parsed.Query().Get("sid")
	require.Regexp(t, sessionIDRe, sid)

	require.Equal(t, []string{"auth-code"}, h.provider.exchangedCodes())
	require.Equal(t, "external-access", h.provider.profileToken)

	stores := h.store.Stores()
	ts, err := stores.TokenSets.GetBySession(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, ts)
	require.Equal(t, "refresh-token-enc", ts.RefreshToken)
	require.Equal(t, "user-1", ts.ProviderUserID)
	require.Equal(t, domain.ProviderSpotify, ts.Provider)
	require.NotZero(t, ts.ID)
	require.Equal(t, epoch.Add(3540*time.Second), ts.AccessExpiresAt)

	session, err := stores.Sessions.Get(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, "Pixel 8", session.DeviceInfo)
	require.Equal(t, epoch.Add(30*24*time.Hour), session.ExpiresAt)

	cached, err := stores.AccessTokens.GetValidBySession(ctx, sid, epoch)
	require.NoError(t, err)
	require.Equal(t, "external-access", cached.AccessToken)

	require.Zero(t, h.store.PKCECount())
	require.Equal(t, 1, h.auditEntries("session.created").Len())

	_, err = h.service.HandleCallback(ctx, CallbackInput{Code: "auth-code", State: state})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState, "state cannot be replayed")
}

func TestOAuthService_HandleCallbackUnknownState(t *testing.T) {
	h := newOAuthTestHarness(t)

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "c", State: "never-issued"})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Equal(t, 1, h.store.TotalCalls(), "only the lookup touches the store")
	require.Zero(t, h.provider.exchangeCalls())
	require.Zero(t, h.store.TokenSetCount())
	require.Zero(t, h.store.SessionCount())
}

func TestOAuthService_HandleCallbackExpiredState(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	state := h.issueState(t)
	h.clock.Advance(10 * time.Minute)

	_, err := h.service.HandleCallback(ctx, CallbackInput{Code: "c", State: state})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Zero(t, h.store.PKCECount(), "expired entry is deleted")

	h.clock.Set(epoch)
	_, err = h.service.HandleCallback(ctx, CallbackInput{Code: "c", State: state})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Zero(t, h.provider.exchangeCalls())
}

func TestOAuthService_HandleCallbackValidation(t *testing.T) {
	h := newOAuthTestHarness(t)

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: " ", State: "s"})
	require.ErrorIs(t, err, domainoauth.ErrValidation)
	_, err = h.service.HandleCallback(context.Background(), CallbackInput{Code: "c"})
	require.ErrorIs(t, err, domainoauth.ErrValidation)
	require.Zero(t, h.store.TotalCalls())
}

func TestOAuthService_HandleCallbackMissingRefreshToken(t *testing.T) {
	h := newOAuthTestHarness(t)
	state := h.issueState(t)
	h.provider.token = &domainoauth.TokenResponse{AccessToken: "external-access", ExpiresIn: 3600}

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "c", State: state})
	require.ErrorIs(t, err, domainoauth.ErrTokenExchangeFailed)
	require.Zero(t, h.store.TokenSetCount())
	require.Zero(t, h.store.SessionCount())
	require.Zero(t, h.store.PKCECount(), "entry is deleted after a failed exchange")
}

func TestOAuthService_HandleCallbackProviderFailures(t *testing.T) {
	cases := map[string]func(p *fakeProviderClient){
		"exchange rejected": func(p *fakeProviderClient) {
			p.exchangeErr = domainoauth.NewStatusError("token exchange", 400, "invalid_grant", "Invalid authorization code")
		},
		"rate limited": func(p *fakeProviderClient) {
			p.exchangeErr = domainoauth.NewStatusError("token exchange", 429, "", "")
		},
		"missing access token": func(p *fakeProviderClient) {
			p.token = &domainoauth.TokenResponse{RefreshToken: "rt"}
		},
		"profile failed": func(p *fakeProviderClient) {
			p.profileErr = &domainoauth.ProviderError{Op: "profile fetch", Reason: domainoauth.ReasonTransport, Err: errors.New("connection reset")}
		},
		"profile without id": func(p *fakeProviderClient) {
			p.profile = &domainoauth.UserProfile{DisplayName: "ghost"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newOAuthTestHarness(t)
			state := h.issueState(t)
			mutate(h.provider)

			_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "c", State: state})
			require.ErrorIs(t, err, domainoauth.ErrTokenExchangeFailed)
			require.Zero(t, h.store.TokenSetCount())
			require.Zero(t, h.store.SessionCount())
			require.Zero(t, h.store.AccessTokenCount())
		})
	}
}

func TestOAuthService_HandleCallbackRollsBackOnStoreFailure(t *testing.T) {
	h := newOAuthTestHarness(t)
	state := h.issueState(t)
	boom := errors.New("insert failed")
	h.store.FailOn("TokenSets.AttachToSession", boom)

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "c", State: state})
	require.ErrorIs(t, err, boom)
	require.Zero(t, h.store.TokenSetCount(), "no unbound token set survives")
	require.Zero(t, h.store.SessionCount())
	require.Zero(t, h.store.AccessTokenCount())
	require.Zero(t, h.store.PKCECount(), "state cannot be replayed after a failed persist")

	h.store.FailOn("TokenSets.AttachToSession", nil)
	_, err = h.service.HandleCallback(context.Background(), CallbackInput{Code: "c", State: state})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
}

func TestOAuthService_HandleCallbackProfileOutageFailsFast(t *testing.T) {
	var profileHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/token":
			_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
		case "/v1/me":
			if profileHits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"id":"user-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := spotify.NewHTTPProviderClient(config.SpotifyConfig{
		ClientID:         "client-123",
		RedirectURI:      "https://app.example.com/auth/spotify/callback",
		AuthorizeURL:     "https://accounts.example.com/authorize",
		TokenURL:         srv.URL + "/api/token",
		APIBaseURL:       srv.URL + "/v1",
		APIRetryInterval: time.Millisecond,
	}, srv.Client())
	h := newOAuthTestHarnessWith(t, client)
	state := h.issueState(t)

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "c", State: state})
	require.ErrorIs(t, err, domainoauth.ErrTokenExchangeFailed)
	require.EqualValues(t, 1, profileHits.Load())
	require.Zero(t, h.store.SessionCount())
	require.Zero(t, h.store.PKCECount())
}

func TestOAuthService_HandleCallbackTruncatesDeviceInfoOnRuneBoundary(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	device := strings.Repeat("a", maxDeviceInfo-1) + "é"

	link, err := h.service.HandleCallback(ctx, CallbackInput{Code: "c", State: h.issueState(t), DeviceInfo: device})
	require.NoError(t, err)
	parsed, err := url.Parse(link)
	require.NoError(t, err)

	session, err := h.store.Stores().Sessions.Get(ctx, parsed.Query().Get("sid"))
	require.NoError(t, err)
	require.True(t, utf8.ValidString(session.DeviceInfo))
	require.Equal(t, strings.Repeat("a", maxDeviceInfo-1), session.DeviceInfo)
}

func TestTruncateUTF8(t *testing.T) {
	require.Equal(t, "abc", truncateUTF8("abc", 5))
	require.Equal(t, "ab", truncateUTF8("abé", 3))
	require.Equal(t, "abé", truncateUTF8("abéd", 4))
	require.Equal(t, "日", truncateUTF8("日本", 5))
	require.Equal(t, "ok", truncateUTF8("o\xffk", 5))
}

func TestOAuthService_AuditOmitsRawSessionID(t *testing.T) {
	h := newOAuthTestHarness(t)
	sid := h.login(t)
	require.NoError(t, h.service.Logout(context.Background(), sid))

	for _, event := range []string{"session.created", "session.logout"} {
		entries := h.auditEntries(event).All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		require.Equal(t, secret.Fingerprint(sid), fields["session_ref"])
		require.NotContains(t, fields, "session_id")
	}
}

func TestOAuthService_LogoutWithoutTokenSet(t *testing.T) {
	h := newOAuthTestHarness(t)

	require.NoError(t, h.service.Logout(context.Background(), "0123456789abcdef0123456789abcdef"))
	require.Zero(t, h.store.Calls("Denylist.Upsert"))

	entries := h.auditEntries("session.logout").All()
	require.Len(t, entries, 1)
	require.Equal(t, false, entries[0].ContextMap()["had_token_set"])
}

func TestOAuthService_LogoutTearsDownSession(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	sid := h.login(t)
	stores := h.store.Stores()

	key := domain.PlaylistCacheKey{ProviderUserID: "user-1", Limit: 20}
	require.NoError(t, stores.PlaylistCache.Upsert(ctx, domain.PlaylistCacheEntry{Key: key, ExpiresAt: epoch.Add(time.Hour)}))
	require.NoError(t, stores.PlaylistCache.Link(ctx, sid, key))
	require.NoError(t, stores.Selections.Replace(ctx, sid, []string{"p1", "p2"}, epoch))
	require.NoError(t, stores.Profiles.Upsert(ctx, domain.Profile{ProviderUserID: "user-1", ExpiresAt: epoch.Add(time.Hour)}))

	require.NoError(t, h.service.Logout(ctx, sid))

	require.Equal(t, 1, h.store.Calls("Denylist.Upsert"))
	denied, err := h.denylist.IsDenied(ctx, secret.HashToken("refresh-token-enc"))
	require.NoError(t, err)
	require.True(t, denied)

	require.Zero(t, h.store.TokenSetCount())
	require.Zero(t, h.store.SessionCount())
	require.Zero(t, h.store.AccessTokenCount())
	require.Zero(t, h.store.PlaylistCacheCount())
	require.Zero(t, h.store.ProfileCount())
	require.Zero(t, h.store.LinkCount(sid))
	selections, err := stores.Selections.ListBySession(ctx, sid)
	require.NoError(t, err)
	require.Empty(t, selections)

	entries := h.auditEntries("session.logout").All()
	require.Len(t, entries, 1)
	require.Equal(t, true, entries[0].ContextMap()["had_token_set"])
	require.Equal(t, "user-1", entries[0].ContextMap()["provider_user_id"])

	// Idempotent: the second call succeeds and denies nothing new.
	require.NoError(t, h.service.Logout(ctx, sid))
	require.Equal(t, 1, h.store.Calls("Denylist.Upsert"))
}

func TestOAuthService_LogoutDenialOutlivesSession(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	sid := h.login(t)
	hash := secret.HashToken("refresh-token-enc")

	require.NoError(t, h.service.Logout(ctx, sid))

	h.clock.Set(epoch.Add(90*24*time.Hour - time.Second))
	denied, err := h.denylist.IsDenied(ctx, hash)
	require.NoError(t, err)
	require.True(t, denied)

	h.clock.Set(epoch.Add(90 * 24 * time.Hour))
	denied, err = h.denylist.IsDenied(ctx, hash)
	require.NoError(t, err)
	require.False(t, denied)
}

func TestOAuthService_LogoutRollsBackAndPropagates(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	sid := h.login(t)
	boom := errors.New("delete failed")
	h.store.FailOn("Sessions.Delete", boom)

	err := h.service.Logout(ctx, sid)
	require.ErrorIs(t, err, boom)

	// Revocation already happened; the purge rolled back as a whole.
	require.Equal(t, 1, h.store.Calls("Denylist.Upsert"))
	require.Equal(t, 1, h.store.TokenSetCount())
	require.Equal(t, 1, h.store.SessionCount())
	require.Equal(t, 1, h.store.AccessTokenCount())
	require.Zero(t, h.auditEntries("session.logout").Len())

	h.store.FailOn("Sessions.Delete", nil)
	require.NoError(t, h.service.Logout(ctx, sid))
	require.Zero(t, h.store.SessionCount())
}

func TestOAuthService_LogoutDenyFailureStopsTeardown(t *testing.T) {
	h := newOAuthTestHarness(t)
	sid := h.login(t)
	boom := errors.New("denylist down")
	h.store.FailOn("Denylist.Upsert", boom)

	require.ErrorIs(t, h.service.Logout(context.Background(), sid), boom)
	require.Equal(t, 1, h.store.SessionCount())
}

func TestOAuthService_LogoutRequiresSessionID(t *testing.T) {
	h := newOAuthTestHarness(t)
	require.ErrorIs(t, h.service.Logout(context.Background(), "  "), domainoauth.ErrValidation)
}

func TestOAuthService_ValidateSession(t *testing.T) {
	h := newOAuthTestHarness(t)
	ctx := context.Background()
	sid := h.login(t)

	h.clock.Advance(time.Hour)
	session, err := h.service.ValidateSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(time.Hour), session.LastSeenAt)
	stored, err := h.store.Stores().Sessions.Get(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(time.Hour), stored.LastSeenAt)

	_, err = h.service.ValidateSession(ctx, "missing")
	require.ErrorIs(t, err, domainoauth.ErrSessionNotFound)
	require.ErrorIs(t, err, domainoauth.ErrUnauthorized)

	h.clock.Set(epoch.Add(30 * 24 * time.Hour))
	_, err = h.service.ValidateSession(ctx, sid)
	require.ErrorIs(t, err, domainoauth.ErrUnauthorized)
}

func TestBuildDeepLink(t *testing.T) {
	link, err := buildDeepLink("myapp://auth/done", "abc")
	require.NoError(t, err)
	require.Equal(t, "myapp://auth/done?sid=abc", link)

	_, err = buildDeepLink("not a url", "abc")
	require.Error(t, err)
}

// ---- Test harness and fakes ----

type oauthTestHarness struct {
	service  OAuthService
	store    *memstore.Store
	provider *fakeProviderClient
	denylist *token.Denylist
	clock    *clock.Fixed
	logs     *observer.ObservedLogs
}

func newOAuthTestHarness(t *testing.T) *oauthTestHarness {
	t.Helper()
	fake := newFakeProviderClient()
	h := newOAuthTestHarnessWith(t, fake)
	h.provider = fake
	return h
}

func newOAuthTestHarnessWith(t *testing.T, provider spotify.ProviderClient) *oauthTestHarness {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFixed(epoch)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	cfg := config.Config{
		DeepLinkBase:    "spotifysession://callback?app=v1",
		PKCETTL:         10 * time.Minute,
		SessionTTL:      30 * 24 * time.Hour,
		AccessTokenSkew: time.Minute,
	}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	denylist := token.NewDenylist(store.Stores().Denylist, clk, cfg, logger)
	svc := NewOAuthService(store.Stores(), store, provider, denylist, secret.NewProvider(), clk, node, cfg, logger)
	return &oauthTestHarness{
		service:  svc,
		store:    store,
		denylist: denylist,
		clock:    clk,
		logs:     logs,
	}
}

func (h *oauthTestHarness) auditEntries(event string) *observer.ObservedLogs {
	return h.logs.FilterMessage("audit").FilterField(zap.String("event", event))
}

func (h *oauthTestHarness) issueState(t *testing.T) string {
	t.Helper()
	out, err := h.service.StartAuth(context.Background(), []string{"user-read-private"})
	require.NoError(t, err)
	return out.State
}

func (h *oauthTestHarness) login(t *testing.T) string {
	t.Helper()
	link, err := h.service.HandleCallback(context.Background(), CallbackInput{Code: "auth-code", State: h.issueState(t)})
	require.NoError(t, err)
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	return parsed.Query().Get("sid")
}

type fakeProviderClient struct {
	mu           sync.Mutex
	token        *domainoauth.TokenResponse
	exchangeErr  error
	profile      *domainoauth.UserProfile
	profileErr   error
	profileToken string
	codes        []string
}

var _ spotify.ProviderClient = (*fakeProviderClient)(nil)

func newFakeProviderClient() *fakeProviderClient {
	return &fakeProviderClient{
		token: &domainoauth.TokenResponse{
			AccessToken:  "external-access",
			RefreshToken: "refresh-token-enc",
			ExpiresIn:    3600,
			TokenType:    "Bearer",
			Scope:        "user-read-private",
		},
		profile: &domainoauth.UserProfile{ID: "user-1", DisplayName: "Ada"},
	}
}

func (f *fakeProviderClient) AuthorizeURL(req domainoauth.AuthorizeRequest) (string, error) {
	q := url.Values{}
	q.Set("client_id", "client")
	q.Set("response_type", "code")
	q.Set("redirect_uri", "https://app.example.com/auth/spotify/callback")
	q.Set("scope", strings.Join(req.Scopes, " "))
	q.Set("state", req.State)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	return "https://accounts.example.com/authorize?" + q.Encode(), nil
}

func (f *fakeProviderClient) ExchangeCode(_ context.Context, code, _ string) (*domainoauth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	resp := *f.token
	return &resp, nil
}

func (f *fakeProviderClient) Refresh(context.Context, string) (*domainoauth.TokenResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeProviderClient) FetchProfile(_ context.Context, accessToken string) (*domainoauth.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileToken = accessToken
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	profile := *f.profile
	return &profile, nil
}

func (f *fakeProviderClient) ListPlaylists(context.Context, string, int, int) (*domain.PlaylistPage, error) {
	return nil, errors.New("not used")
}

func (f *fakeProviderClient) exchangedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func (f *fakeProviderClient) exchangeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}
